package badgerstore

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// maxRewritesPerSweep bounds one sweep; each RunValueLogGC call rewrites at
// most one value log file.
const maxRewritesPerSweep = 10

func (s *Store) runGCLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.shutdownCtx.Done():
			return
		case <-t.C:
			if n := s.runGC(); n > 0 {
				s.logger.Debug("badgerstore: value log rewritten", "files", n)
			}
		}
	}
}

// runGC rewrites value log files until Badger reports nothing left to
// reclaim, the store shuts down, or the sweep limit is hit. It returns the
// number of files rewritten.
func (s *Store) runGC() int {
	rewritten := 0
	for rewritten < maxRewritesPerSweep && s.shutdownCtx.Err() == nil {
		err := s.db.RunValueLogGC(s.gcRatio)
		switch {
		case err == nil:
			rewritten++
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return rewritten
		default:
			s.logger.Warn("badgerstore: value log gc", "error", err)
			return rewritten
		}
	}
	return rewritten
}
