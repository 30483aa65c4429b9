package ledger

// rowSource produces records for an Iterator. Backends supply their own:
// a slice snapshot, database rows or a DynamoDB paginator.
type rowSource interface {
	next() (SizeRecord, bool, error)
	close() error
}

// Iterator walks records in ascending timestamp order. It is lazy and
// single-pass; to restart, issue the query again.
//
//	it, err := l.QueryByTimeRange(ctx, bucket, from, to)
//	if err != nil { ... }
//	defer it.Close()
//	for it.Next() {
//		rec := it.Record()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	src     rowSource
	current SizeRecord
	err     error
	closed  bool
}

func newIterator(src rowSource) *Iterator {
	return &Iterator{src: src}
}

// Next advances to the next record. Returns false when done or on error.
func (it *Iterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	rec, ok, err := it.src.next()
	if err != nil {
		it.err = err
		return false
	}
	if !ok {
		return false
	}
	it.current = rec
	return true
}

// Record returns the record at the current position.
func (it *Iterator) Record() SizeRecord {
	return it.current
}

// Err returns the first error encountered during iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the underlying resources. Safe to call more than once.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.src.close()
}

// Collect drains it into a slice and closes it.
func Collect(it *Iterator) ([]SizeRecord, error) {
	defer it.Close()
	var out []SizeRecord
	for it.Next() {
		out = append(out, it.Record())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// sliceSource iterates over a pre-materialized snapshot.
type sliceSource struct {
	recs []SizeRecord
	pos  int
}

func (s *sliceSource) next() (SizeRecord, bool, error) {
	if s.pos >= len(s.recs) {
		return SizeRecord{}, false, nil
	}
	rec := s.recs[s.pos]
	s.pos++
	return rec, true, nil
}

func (s *sliceSource) close() error {
	s.recs = nil
	return nil
}
