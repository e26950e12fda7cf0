package mount

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danieljhkim/metahybrid/internal/state"
)

// journal guards the runtime state journal while partitions mount in
// parallel.
type journal struct {
	mu sync.Mutex
	st *state.RuntimeState
}

func newJournal(st *state.RuntimeState) *journal {
	if st.Journal == nil {
		st.Journal = []state.MountRecord{}
	}
	return &journal{st: st}
}

// add appends rec with the next sequence number and returns it.
func (j *journal) add(rec state.MountRecord) state.MountRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec.Seq = j.st.NextSeq()
	j.st.Journal = append(j.st.Journal, rec)
	return rec
}

// remove drops the record with seq.
func (j *journal) remove(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.st.Journal[:0]
	for _, r := range j.st.Journal {
		if r.Seq != seq {
			out = append(out, r)
		}
	}
	j.st.Journal = out
}

func (j *journal) has(kind, module, source, target string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.st.Journal {
		if r.Kind == kind && r.Module == module && r.Source == source && r.Target == target {
			return true
		}
	}
	return false
}

// hasModule reports whether module has any record in partition.
func (j *journal) hasModule(partition, module string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.st.Journal {
		if r.Partition == partition && r.Module == module {
			return true
		}
	}
	return false
}

// since returns the records of partition with Seq >= from, oldest first.
func (j *journal) since(partition string, from uint64) []state.MountRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []state.MountRecord
	for _, r := range j.st.PartitionJournal(partition) {
		if r.Seq >= from {
			out = append(out, r)
		}
	}
	return out
}

func (j *journal) nextSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.st.NextSeq()
}

// reconcile drops records whose own mount no longer appears in the mount
// table. It returns the number of stale records removed.
func (j *journal) reconcile(t *Table) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.st.Journal[:0]
	stale := 0
	for _, r := range j.st.Journal {
		if t.Holds(r) {
			out = append(out, r)
			continue
		}
		stale++
		for _, dir := range r.Scratch {
			_ = os.RemoveAll(dir)
		}
	}
	j.st.Journal = out
	return stale
}

// unwind unmounts records newest first. Records that unmount cleanly are
// removed from the journal; the rest stay and are reported.
func unwind(m Mounter, j *journal, records []state.MountRecord, log zerolog.Logger) []error {
	var errs []error
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if err := unmountOne(m, r.Target); err != nil {
			log.Warn().Err(err).Str("target", r.Target).Str("kind", r.Kind).Msg("unmount failed")
			errs = append(errs, fmt.Errorf("unmount %s: %w", r.Target, err))
			continue
		}
		for _, dir := range r.Scratch {
			if err := os.RemoveAll(dir); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("failed to remove scratch directory")
			}
		}
		j.remove(r.Seq)
		log.Debug().Str("target", r.Target).Str("kind", r.Kind).Msg("unmounted")
	}
	return errs
}

// unmountOne unmounts target, retrying lazily when it is busy. A target
// that is no longer mounted counts as success.
func unmountOne(m Mounter, target string) error {
	err := m.Unmount(target, false)
	if err == nil || notMounted(err) {
		return nil
	}
	if busy(err) {
		err = m.Unmount(target, true)
		if err == nil || notMounted(err) {
			return nil
		}
	}
	return err
}
