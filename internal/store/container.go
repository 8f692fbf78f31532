package store

import (
	"context"
	"time"

	"github.com/zseilabs/zsei/internal/coldtier"
	"github.com/zseilabs/zsei/internal/recio"
	"github.com/zseilabs/zsei/model"
)

// Put stores a container under id. Storing the same payload under the same
// id again is a no-op returning the existing container; a different payload
// under an existing live id is ErrIDCollision. A tombstoned id is
// resurrected with the next version number.
func (s *Store) Put(ctx context.Context, id model.ContainerID, payload []byte, embedding []float32) (model.Container, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Container{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Container{}, false, ErrClosed
	}
	if s.IsQuarantined(id) {
		return model.Container{}, false, ErrQuarantined
	}

	s.stateMu.RLock()
	st := s.idx[id]
	var existing versionRef
	var liveOK bool
	if st != nil {
		existing, liveOK = st.live()
	}
	s.stateMu.RUnlock()

	if liveOK {
		if existing.hash == recio.HashPayload(payload) {
			c, err := s.Get(ctx, id)
			return c, false, err
		}
		return model.Container{}, false, ErrIDCollision
	}

	c, err := s.appendVersionLocked(id, payload, embedding)
	if err != nil {
		return model.Container{}, false, err
	}
	return c, true, nil
}

// Update writes a new version for an existing live container. A nil
// embedding keeps the previous version's embedding.
func (s *Store) Update(ctx context.Context, id model.ContainerID, payload []byte, embedding []float32) (model.Container, error) {
	if err := ctx.Err(); err != nil {
		return model.Container{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Container{}, ErrClosed
	}
	if s.IsQuarantined(id) {
		return model.Container{}, ErrQuarantined
	}

	s.stateMu.RLock()
	st := s.idx[id]
	var ref versionRef
	var ok bool
	if st != nil {
		ref, ok = st.live()
	}
	data := s.containers.snapshot()
	s.stateMu.RUnlock()
	if !ok {
		return model.Container{}, ErrNotFound
	}

	if embedding == nil && ref.off != coldOff {
		if r, err := recio.RecordAt(data, ref.off); err == nil {
			if body, err := recio.ParseContainerBody(r.Body); err == nil && len(body.Embedding) > 0 {
				embedding = make([]float32, len(body.Embedding))
				copy(embedding, body.Embedding)
			}
		}
	}
	return s.appendVersionLocked(id, payload, embedding)
}

// Restore appends a known-good payload as a new version, regardless of the
// current version's integrity. Used by the repair cascade to roll back a
// corrupt newest version while keeping version numbers monotonic.
func (s *Store) Restore(ctx context.Context, id model.ContainerID, payload []byte, embedding []float32) (model.Container, error) {
	if err := ctx.Err(); err != nil {
		return model.Container{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Container{}, ErrClosed
	}
	s.stateMu.RLock()
	known := s.idx[id] != nil
	s.stateMu.RUnlock()
	if !known {
		return model.Container{}, ErrNotFound
	}
	return s.appendVersionLocked(id, payload, embedding)
}

// appendVersionLocked frames, appends and commits one container record,
// then publishes the new ref. Caller holds s.mu.
//
// Sizes are checked before any bytes are staged: the decoder rejects
// records over recio.MaxBodySize, so letting one through would make the
// file unreadable on reopen.
func (s *Store) appendVersionLocked(id model.ContainerID, payload []byte, embedding []float32) (model.Container, error) {
	if len(embedding) > recio.MaxEmbeddingDim {
		return model.Container{}, ErrEmbeddingTooLarge
	}
	if recio.ContainerRecordSize(len(payload), len(embedding)) > recio.MaxBodySize {
		return model.Container{}, ErrPayloadTooLarge
	}

	now := time.Now().UnixNano()

	s.stateMu.RLock()
	st := s.idx[id]
	var version uint32 = 1
	if st != nil {
		version = st.nextVersion()
	}
	s.stateMu.RUnlock()

	buf := recio.EncodeContainer(id, version, payload, embedding, now)
	off, err := s.containers.w.Append(buf)
	if err != nil {
		s.containers.w.Discard()
		return model.Container{}, err
	}
	if err := s.commitAndRefresh(s.containers); err != nil {
		return model.Container{}, err
	}

	s.stateMu.Lock()
	st = s.idx[id]
	if st == nil {
		st = &containerState{}
		s.idx[id] = st
	}
	if st.created == 0 {
		st.created = now
	}
	created := st.created
	st.refs = append(st.refs, versionRef{
		version: version,
		off:     off,
		hash:    recio.HashPayload(payload),
	})
	s.stateMu.Unlock()

	return model.Container{
		ID:          id,
		Payload:     payload,
		PayloadHash: recio.HashPayload(payload),
		Version:     version,
		Embedding:   embedding,
		Created:     time.Unix(0, created),
		Modified:    time.Unix(0, now),
	}, nil
}

// Get returns the newest live version of a container, verifying its
// payload against the stored hash. A mismatch returns *CorruptError.
func (s *Store) Get(ctx context.Context, id model.ContainerID) (model.Container, error) {
	s.stateMu.RLock()
	if _, q := s.quarantined[id]; q {
		s.stateMu.RUnlock()
		return model.Container{}, ErrQuarantined
	}
	st := s.idx[id]
	var ref versionRef
	var ok bool
	var created int64
	if st != nil {
		ref, ok = st.live()
		created = st.created
	}
	data := s.containers.snapshot()
	cold := s.cold
	s.stateMu.RUnlock()
	if !ok {
		return model.Container{}, ErrNotFound
	}
	return readVersion(ctx, id, ref, created, data, cold, true)
}

// GetVersion returns a specific retained version, hot or cold.
func (s *Store) GetVersion(ctx context.Context, id model.ContainerID, version uint32) (model.Container, error) {
	s.stateMu.RLock()
	if _, q := s.quarantined[id]; q {
		s.stateMu.RUnlock()
		return model.Container{}, ErrQuarantined
	}
	st := s.idx[id]
	var ref versionRef
	var ok bool
	var created int64
	if st != nil {
		ref, ok = st.find(version)
		created = st.created
	}
	data := s.containers.snapshot()
	cold := s.cold
	s.stateMu.RUnlock()
	if !ok || ref.tombstone {
		return model.Container{}, ErrNotFound
	}
	return readVersion(ctx, id, ref, created, data, cold, true)
}

// readVersion materializes one version and optionally verifies the payload
// hash. Payload and embedding are copied out of the snapshot. data and cold
// are captured under stateMu so a concurrent compaction swap cannot pull
// them out from under the read.
func readVersion(ctx context.Context, id model.ContainerID, ref versionRef, created int64, data []byte, cold *coldtier.Tier, verify bool) (model.Container, error) {
	var r recio.Record
	var err error
	if ref.off == coldOff {
		if cold == nil {
			return model.Container{}, ErrNotFound
		}
		r, err = cold.Read(ctx, id, ref.version)
	} else {
		r, err = recio.RecordAt(data, ref.off)
	}
	if err != nil {
		return model.Container{}, err
	}
	body, err := recio.ParseContainerBody(r.Body)
	if err != nil {
		return model.Container{}, err
	}
	if body.Tombstone {
		return model.Container{}, ErrNotFound
	}
	if verify {
		if actual := recio.HashPayload(body.Payload); actual != r.PayloadHash {
			return model.Container{}, &CorruptError{ID: id, Version: r.Version, Expected: r.PayloadHash, Actual: actual}
		}
	}

	payload := make([]byte, len(body.Payload))
	copy(payload, body.Payload)
	var vec []float32
	if len(body.Embedding) > 0 {
		vec = make([]float32, len(body.Embedding))
		copy(vec, body.Embedding)
	}
	if created == 0 {
		created = body.Modified
	}
	return model.Container{
		ID:          id,
		Payload:     payload,
		PayloadHash: r.PayloadHash,
		Version:     r.Version,
		Embedding:   vec,
		Created:     time.Unix(0, created),
		Modified:    time.Unix(0, body.Modified),
	}, nil
}

// Delete tombstones a container. Its retained versions stay readable via
// GetVersion until compaction; the id disappears from Get, traversal and
// search.
func (s *Store) Delete(ctx context.Context, id model.ContainerID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.stateMu.RLock()
	st := s.idx[id]
	var ok bool
	var version uint32
	if st != nil {
		if _, ok = st.live(); ok {
			version = st.nextVersion()
		}
	}
	s.stateMu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	off, err := s.containers.w.Append(recio.EncodeContainerTombstone(id, version))
	if err != nil {
		s.containers.w.Discard()
		return err
	}
	if err := s.commitAndRefresh(s.containers); err != nil {
		return err
	}

	s.stateMu.Lock()
	s.idx[id].refs = append(s.idx[id].refs, versionRef{version: version, off: off, tombstone: true})
	s.stateMu.Unlock()
	s.hotCache.InvalidateContainer(id)
	return nil
}

// VersionInfo describes one retained version of a container.
type VersionInfo struct {
	Version   uint32
	Tombstone bool
	Cold      bool
}

// Versions lists a container's retained versions in ascending order.
func (s *Store) Versions(id model.ContainerID) ([]VersionInfo, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	st := s.idx[id]
	if st == nil {
		return nil, ErrNotFound
	}
	out := make([]VersionInfo, 0, len(st.refs))
	for _, ref := range st.refs {
		out = append(out, VersionInfo{Version: ref.version, Tombstone: ref.tombstone, Cold: ref.off == coldOff})
	}
	return out, nil
}

// VerifyVersion recomputes the payload hash of one version and reports a
// mismatch, without copying the payload out.
func (s *Store) VerifyVersion(ctx context.Context, id model.ContainerID, version uint32) (model.Mismatch, bool, error) {
	s.stateMu.RLock()
	st := s.idx[id]
	var ref versionRef
	var ok bool
	if st != nil {
		ref, ok = st.find(version)
	}
	data := s.containers.snapshot()
	cold := s.cold
	s.stateMu.RUnlock()
	if !ok {
		return model.Mismatch{}, false, ErrNotFound
	}
	if ref.tombstone {
		return model.Mismatch{}, false, nil
	}

	var r recio.Record
	var err error
	if ref.off == coldOff {
		if cold == nil {
			return model.Mismatch{}, false, ErrNotFound
		}
		r, err = cold.Read(ctx, id, ref.version)
	} else {
		r, err = recio.RecordAt(data, ref.off)
	}
	if err != nil {
		return model.Mismatch{}, false, err
	}
	body, err := recio.ParseContainerBody(r.Body)
	if err != nil {
		return model.Mismatch{ID: id, Version: version, Expected: r.PayloadHash}, true, nil
	}
	if actual := recio.HashPayload(body.Payload); actual != r.PayloadHash {
		return model.Mismatch{ID: id, Version: version, Expected: r.PayloadHash, Actual: actual}, true, nil
	}
	return model.Mismatch{}, false, nil
}

// ReadVersionUnchecked returns a version's payload and embedding without
// hash verification. The repair cascade uses it to probe prior versions.
func (s *Store) ReadVersionUnchecked(ctx context.Context, id model.ContainerID, version uint32) (model.Container, error) {
	s.stateMu.RLock()
	st := s.idx[id]
	var ref versionRef
	var ok bool
	var created int64
	if st != nil {
		ref, ok = st.find(version)
		created = st.created
	}
	data := s.containers.snapshot()
	cold := s.cold
	s.stateMu.RUnlock()
	if !ok || ref.tombstone {
		return model.Container{}, ErrNotFound
	}
	return readVersion(ctx, id, ref, created, data, cold, false)
}

// MarkQuarantined records a container as permanently corrupt. The marker
// survives restarts; the id is excluded from reads, traversal and search
// until an operator intervenes.
func (s *Store) MarkQuarantined(ctx context.Context, id model.ContainerID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.IsQuarantined(id) {
		return nil
	}

	if _, err := s.quarantine.w.Append(recio.EncodeContainerTombstone(id, 0)); err != nil {
		s.quarantine.w.Discard()
		return err
	}
	if err := s.commitAndRefresh(s.quarantine); err != nil {
		return err
	}

	s.stateMu.Lock()
	s.quarantined[id] = struct{}{}
	s.stateMu.Unlock()
	s.hotCache.InvalidateContainer(id)
	return nil
}

// IsQuarantined reports whether id is marked permanently corrupt.
func (s *Store) IsQuarantined(id model.ContainerID) bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.isQuarantined(id)
}

func (s *Store) isQuarantined(id model.ContainerID) bool {
	_, ok := s.quarantined[id]
	return ok
}

// Exists reports whether id has a live, non-quarantined newest version.
func (s *Store) Exists(id model.ContainerID) bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if _, q := s.quarantined[id]; q {
		return false
	}
	st := s.idx[id]
	if st == nil {
		return false
	}
	_, ok := st.live()
	return ok
}
