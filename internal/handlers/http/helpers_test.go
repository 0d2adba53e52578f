package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"videorelay/internal/core/domain"
	"videorelay/internal/core/ports"
	"videorelay/internal/core/services"
	"videorelay/internal/infrastructure/middleware"
	"videorelay/internal/infrastructure/upstream"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockAuthorizer struct {
	mock.Mock
}

func (m *mockAuthorizer) IsAdmin(r *http.Request) bool {
	return m.Called(r).Bool(0)
}

func (m *mockAuthorizer) IsStaff(r *http.Request) bool {
	return m.Called(r).Bool(0)
}

func authorizer(admin, staff bool) *mockAuthorizer {
	m := &mockAuthorizer{}
	m.On("IsAdmin", mock.Anything).Return(admin).Maybe()
	m.On("IsStaff", mock.Anything).Return(staff).Maybe()
	return m
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Contests(ctx context.Context) ([]ports.Contest, error) {
	args := m.Called(ctx)
	contests, _ := args.Get(0).([]ports.Contest)
	return contests, args.Error(1)
}

func directory(contests ...ports.Contest) *mockDirectory {
	m := &mockDirectory{}
	m.On("Contests", mock.Anything).Return(contests, nil).Maybe()
	return m
}

type mockContest struct {
	mock.Mock
	id      string
	frozen  bool
	running bool
}

func (m *mockContest) ID() string      { return m.id }
func (m *mockContest) IsFrozen() bool  { return m.frozen }
func (m *mockContest) IsRunning() bool { return m.running }

func (m *mockContest) IncrementDesktop(ctx context.Context) { m.Called(ctx) }
func (m *mockContest) IncrementWebcam(ctx context.Context)  { m.Called(ctx) }
func (m *mockContest) IncrementAudio(ctx context.Context)   { m.Called(ctx) }

func contest(id string, frozen, running bool) *mockContest {
	c := &mockContest{id: id, frozen: frozen, running: running}
	c.On("IncrementDesktop", mock.Anything).Maybe()
	c.On("IncrementWebcam", mock.Anything).Maybe()
	c.On("IncrementAudio", mock.Anything).Maybe()
	return c
}

// stubServing records what the handler would have served.
type stubServing struct {
	mu         sync.Mutex
	streams    []int
	subpaths   []string
	privileged []bool
}

func (s *stubServing) ServeStream(c *gin.Context, st *services.Stream, subpath string, privileged bool) error {
	s.mu.Lock()
	s.streams = append(s.streams, st.Index())
	s.subpaths = append(s.subpaths, subpath)
	s.privileged = append(s.privileged, privileged)
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
	return nil
}

// videoSource serves an endless chunked body, one numbered chunk every
// few milliseconds, until the client goes away.
func videoSource(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		rc := http.NewResponseController(w)
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(w, "chunk-%d;", i); err != nil {
				return
			}
			_ = rc.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// contestStreams mirrors a small contest layout: team 123 has desktop and
// webcam, team 456 has audio.
func contestStreams(url string) []domain.StreamConfig {
	return []domain.StreamConfig{
		{Name: "team 123 desktop", TeamID: "123", Type: domain.StreamTypeDesktop, URL: url, MimeType: "video/mp2t", FileExtension: "ts", Mode: domain.ModeLazyClose},
		{Name: "team 123 webcam", TeamID: "123", Type: domain.StreamTypeWebcam, URL: url, MimeType: "video/mp2t", FileExtension: "ts", Mode: domain.ModeLazyClose},
		{Name: "team 456 audio", TeamID: "456", Type: domain.StreamTypeAudio, URL: url, MimeType: "audio/ogg", FileExtension: "ogg", Mode: domain.ModeLazyClose},
	}
}

func newTestAggregator(t *testing.T, streams []domain.StreamConfig, channels [][]int) *services.Aggregator {
	t.Helper()
	opts := services.DefaultStreamOptions()
	opts.ConnectTimeout = time.Second
	opts.LazyLinger = 0
	opts.Reconnect.Enabled = false

	relay, err := services.NewAggregator(services.AggregatorConfig{
		Streams:  streams,
		Channels: channels,
		Stream:   opts,
	}, upstream.Factory(upstream.NewClient(time.Second)), services.NopMetrics{}, services.NopPublisher{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(relay.Close)
	relay.Start(context.Background())
	return relay
}

type testEnv struct {
	relay   *services.Aggregator
	authz   *mockAuthorizer
	dir     *mockDirectory
	serving ServingStrategy
	router  *gin.Engine
}

func newTestRouter(relay *services.Aggregator, authz ports.Authorizer, dir ports.ContestDirectory, serving ServingStrategy) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(log, DomainErrorMappings()...))
	h := NewVideoHandler(relay, authz, dir, serving,
		NewRelayStrategy(64, time.Second, log),
		VideoHandlerConfig{StatusInterval: 20 * time.Millisecond, WriteTimeout: time.Second},
		log,
	)
	h.SetupRoutes(router)
	return router
}

func newEnv(t *testing.T, admin, staff bool, contests ...ports.Contest) *testEnv {
	t.Helper()
	env := &testEnv{
		relay:   newTestAggregator(t, contestStreams(videoSource(t).URL), nil),
		authz:   authorizer(admin, staff),
		dir:     directory(contests...),
		serving: &stubServing{},
	}
	env.router = newTestRouter(env.relay, env.authz, env.dir, env.serving)
	return env
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}
