package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/makeasinger/pipeline/internal/client"
	"github.com/makeasinger/pipeline/internal/model"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type memTrackStore struct {
	mu      sync.Mutex
	owners  map[string]string
	tracks  map[string]*model.Track
	history []string
	writes  int
	err     error
}

func newMemTrackStore() *memTrackStore {
	return &memTrackStore{owners: make(map[string]string), tracks: make(map[string]*model.Track)}
}

func (s *memTrackStore) put(releaseID, userID string, track model.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[releaseID] = userID
	t := track
	s.tracks[releaseID+"/"+track.ID] = &t
}

func (s *memTrackStore) get(releaseID, trackID string) model.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tracks[releaseID+"/"+trackID]
}

func (s *memTrackStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memTrackStore) UpdateTrack(_ context.Context, u model.TrackUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}

	t, ok := s.tracks[u.ReleaseID+"/"+u.TrackID]
	if !ok {
		return false, nil
	}
	if u.UserID != "" && s.owners[u.ReleaseID] != u.UserID {
		return false, nil
	}

	field := &t.Status
	if u.Field == model.TrackFieldMP3Status {
		field = &t.MP3Status
	}
	if len(u.In) > 0 && !containsStatus(u.In, *field) {
		return false, nil
	}
	if containsStatus(u.NotIn, *field) {
		return false, nil
	}

	*field = u.To
	if d, ok := u.Set[model.TrackFieldDuration]; ok {
		t.Duration = d.(float64)
	}
	s.writes++
	s.history = append(s.history, fmt.Sprintf("%s:%s", u.Field, u.To))
	return true, nil
}

func containsStatus(list []model.TrackStatus, st model.TrackStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(b []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(b, r.data)
	r.data = r.data[n:]
	return n, nil
}

type memObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	deleted  []string
	readErr  error
	storeErr error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) put(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"|"+key] = data
}

func (m *memObjects) has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"|"+key]
	return ok
}

func (m *memObjects) StreamFrom(_ context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"|"+key]
	if !ok {
		return nil, 0, fmt.Errorf("%s/%s: %w", bucket, key, client.ErrObjectNotFound)
	}
	if m.readErr != nil {
		return io.NopCloser(&failingReader{data: data[:len(data)/2], err: m.readErr}), int64(len(data)), nil
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *memObjects) StreamTo(_ context.Context, bucket, key string, body io.Reader, size int64, _ string, progress client.ProgressFunc) error {
	if m.storeErr != nil {
		return m.storeErr
	}
	data, err := io.ReadAll(client.NewProgressReader(body, size, progress))
	if err != nil {
		return err
	}
	m.put(bucket, key, data)
	return nil
}

func (m *memObjects) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"|"+key)
	m.deleted = append(m.deleted, bucket+"|"+key)
	return nil
}

type fakeCodec struct {
	mu         sync.Mutex
	duration   float64
	probeErr   error
	failBefore error
	failAfter  error
	empty      bool
	calls      int
}

func (c *fakeCodec) Probe(_ context.Context, path string) (float64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}
	return c.duration, c.probeErr
}

func (c *fakeCodec) Transcode(_ context.Context, req client.TranscodeRequest) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	if c.failBefore != nil {
		return c.failBefore
	}
	content := []byte(req.Codec.Name + ":encoded")
	if c.empty {
		content = nil
	}
	if err := os.WriteFile(req.OutputPath, content, 0o600); err != nil {
		return err
	}
	if req.OnProgress != nil {
		req.OnProgress(0.501)
		req.OnProgress(0.499)
		req.OnProgress(1)
	}
	return c.failAfter
}

func (c *fakeCodec) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices map[string][]model.Notice
	jobs    map[string][]model.Job
	err     error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{notices: make(map[string][]model.Notice), jobs: make(map[string][]model.Job)}
}

func (n *recordingNotifier) NotifyUser(_ context.Context, userID string, notice model.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices[userID] = append(n.notices[userID], notice)
	return nil
}

func (n *recordingNotifier) Broadcast(_ context.Context, notice model.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices[""] = append(n.notices[""], notice)
	return nil
}

func (n *recordingNotifier) Enqueue(_ context.Context, queue string, job model.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.jobs[queue] = append(n.jobs[queue], job)
	return nil
}

func (n *recordingNotifier) types(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notices[userID]))
	for _, notice := range n.notices[userID] {
		out = append(out, notice.Type)
	}
	return out
}

var errInjected = errors.New("injected failure")
