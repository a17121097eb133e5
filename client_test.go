package flagkit_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/flagkit"
	"github.com/dmitrymomot/flagkit/pkg/configcache"
	"github.com/dmitrymomot/flagkit/pkg/kv"
)

const testSDKKey = "dvc_mobile_test_key"

func testConfig() flagkit.BucketedConfig {
	return flagkit.BucketedConfig{
		Features: map[string]flagkit.Feature{
			"new-checkout": {ID: "feat-1", Key: "new-checkout", Type: "release", Variation: "var-1"},
		},
		FeatureVariationMap: map[string]string{"feat-1": "var-1"},
		Variables: map[string]flagkit.ConfigVariable{
			"show-banner": {ID: "var-banner", Key: "show-banner", Type: "Boolean", Value: true},
			"greeting":    {ID: "var-greeting", Key: "greeting", Type: "String", Value: "hello"},
		},
		SSE: &flagkit.SSE{URL: "https://sse.example.com/channel", InactivityDelay: 120000},
	}
}

// sdkServer fakes the config and events endpoints behind one test server.
type sdkServer struct {
	srv *httptest.Server

	mu           sync.Mutex
	configUsers  []string
	configQuery  []string
	eventBodies  [][]byte
	entityCalls  []string
	configHandle func(w http.ResponseWriter, r *http.Request) bool
}

func newSDKServer(t *testing.T) *sdkServer {
	t.Helper()
	s := &sdkServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/mobileSDKConfig":
			s.mu.Lock()
			s.configUsers = append(s.configUsers, r.URL.Query().Get("user_id"))
			s.configQuery = append(s.configQuery, r.URL.RawQuery)
			handle := s.configHandle
			s.mu.Unlock()
			if handle != nil && handle(w, r) {
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(testConfig())
		case r.Method == http.MethodPost && r.URL.Path == "/v1/events":
			body, _ := io.ReadAll(r.Body)
			s.mu.Lock()
			s.eventBodies = append(s.eventBodies, body)
			s.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"message":"ok"}`))
		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/v1/edgeDB/"):
			s.mu.Lock()
			s.entityCalls = append(s.entityCalls, strings.TrimPrefix(r.URL.Path, "/v1/edgeDB/"))
			s.mu.Unlock()
			w.Write([]byte(`{"message":"ok"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sdkServer) fetchedUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.configUsers...)
}

func (s *sdkServer) options() []flagkit.Option {
	return []flagkit.Option{
		flagkit.WithAPIURL(s.srv.URL),
		flagkit.WithEventsURL(s.srv.URL),
	}
}

func newTestClient(t *testing.T, user flagkit.User, srv *sdkServer, opts ...flagkit.Option) *flagkit.Client {
	t.Helper()
	client, err := flagkit.NewClient(testSDKKey, user, append(srv.options(), opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(context.Background()) })
	return client
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	t.Run("empty sdk key", func(t *testing.T) {
		t.Parallel()
		_, err := flagkit.NewClient("", flagkit.User{UserID: "u1"})
		require.ErrorIs(t, err, flagkit.ErrEmptySDKKey)
	})

	t.Run("initial fetch resolves initialization", func(t *testing.T) {
		t.Parallel()
		srv := newSDKServer(t)
		client := newTestClient(t, flagkit.User{UserID: "u1"}, srv)

		variables, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
		require.NoError(t, err)
		assert.True(t, client.IsInitialized())
		assert.Contains(t, variables, "show-banner")
		assert.Contains(t, variables, "greeting")

		assert.Equal(t, []string{"u1"}, srv.fetchedUsers())
		require.NotNil(t, client.SSEParams())
		assert.Equal(t, "https://sse.example.com/channel", client.SSEParams().URL)
	})

	t.Run("initial fetch failure surfaces the error", func(t *testing.T) {
		t.Parallel()
		srv := newSDKServer(t)
		srv.configHandle = func(w http.ResponseWriter, _ *http.Request) bool {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"invalid sdk key"}`))
			return true
		}
		client := newTestClient(t, flagkit.User{UserID: "u1"}, srv)

		_, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
		require.Error(t, err)
		assert.False(t, client.IsInitialized())
	})
}

func TestClient_SingleFlight(t *testing.T) {
	t.Parallel()

	srv := newSDKServer(t)
	gate := make(chan struct{})
	var once sync.Once
	srv.configHandle = func(_ http.ResponseWriter, _ *http.Request) bool {
		once.Do(func() { <-gate })
		return false
	}

	client := newTestClient(t, flagkit.User{UserID: "u-init"}, srv)

	// With the initial fetch blocked, these all queue behind it.
	futureA := client.IdentifyUser(context.Background(), flagkit.User{UserID: "u-a"}, nil)
	time.Sleep(20 * time.Millisecond)
	futureB := client.IdentifyUser(context.Background(), flagkit.User{UserID: "u-b"}, nil)
	time.Sleep(20 * time.Millisecond)
	futureC := client.IdentifyUser(context.Background(), flagkit.User{UserID: "u-c"}, nil)

	close(gate)

	varsA, errA := futureA.AwaitWithTimeout(5 * time.Second)
	varsB, errB := futureB.AwaitWithTimeout(5 * time.Second)
	varsC, errC := futureC.AwaitWithTimeout(5 * time.Second)
	require.NoError(t, errA)
	require.NoError(t, errB)
	require.NoError(t, errC)

	// One drain fetch serves all three queued requests, for the last user.
	assert.Equal(t, []string{"u-init", "u-c"}, srv.fetchedUsers())
	assert.Equal(t, varsC, varsA)
	assert.Equal(t, varsC, varsB)
}

func TestClient_ConcurrentIdentifyAllResolve(t *testing.T) {
	t.Parallel()

	srv := newSDKServer(t)
	client := newTestClient(t, flagkit.User{UserID: "u-init"}, srv)

	// Requests racing against in-flight fetches and drain completion must
	// all still resolve; none may strand in the wait queue.
	futures := make([]*flagkit.Future[flagkit.VariableMap], 0, 20)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := client.IdentifyUser(context.Background(), flagkit.User{UserID: fmt.Sprintf("u-%d", i)}, nil)
			mu.Lock()
			futures = append(futures, f)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, f := range futures {
		_, err := f.AwaitWithTimeout(10 * time.Second)
		require.NoError(t, err)
	}
}

func TestClient_IdentifyUser(t *testing.T) {
	t.Parallel()

	t.Run("switches user and refetches", func(t *testing.T) {
		t.Parallel()
		srv := newSDKServer(t)
		client := newTestClient(t, flagkit.User{UserID: "u1"}, srv)
		_, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
		require.NoError(t, err)

		var callbackVars flagkit.VariableMap
		var callbackErr error
		done := make(chan struct{})
		future := client.IdentifyUser(context.Background(), flagkit.User{UserID: "u2"}, func(vars flagkit.VariableMap, err error) {
			callbackVars, callbackErr = vars, err
			close(done)
		})

		variables, err := future.AwaitWithTimeout(5 * time.Second)
		require.NoError(t, err)
		<-done
		require.NoError(t, callbackErr)
		assert.Equal(t, variables, callbackVars)
		assert.Equal(t, []string{"u1", "u2"}, srv.fetchedUsers())
	})

	t.Run("falls back to cached config on fetch failure", func(t *testing.T) {
		t.Parallel()
		srv := newSDKServer(t)
		srv.configHandle = func(w http.ResponseWriter, r *http.Request) bool {
			if r.URL.Query().Get("user_id") != "u2" {
				return false
			}
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"boom"}`))
			return true
		}

		store := kv.NewMemoryStore()
		cache, err := configcache.New(context.Background(), store)
		require.NoError(t, err)
		cached := testConfig()
		cached.Variables = map[string]flagkit.ConfigVariable{
			"greeting": {Key: "greeting", Type: "String", Value: "from-cache"},
		}
		data, err := json.Marshal(cached)
		require.NoError(t, err)
		require.NoError(t, cache.SaveConfig(context.Background(), "u2", false, data))

		client := newTestClient(t, flagkit.User{UserID: "u1"}, srv, flagkit.WithStore(store))
		_, err = client.Initialized().AwaitWithTimeout(5 * time.Second)
		require.NoError(t, err)

		variables, err := client.IdentifyUser(context.Background(), flagkit.User{UserID: "u2"}, nil).AwaitWithTimeout(5 * time.Second)
		require.NoError(t, err)
		require.Contains(t, variables, "greeting")
		assert.Equal(t, "from-cache", variables["greeting"].Value)

		// The fallback switched the current user too: events tracked now
		// belong to the identified user, not the previous one.
		client.Track(flagkit.Event{Type: "post-identify"})
		_, err = client.FlushEvents(context.Background(), nil).AwaitWithTimeout(5 * time.Second)
		require.NoError(t, err)

		srv.mu.Lock()
		require.NotEmpty(t, srv.eventBodies)
		body := srv.eventBodies[len(srv.eventBodies)-1]
		srv.mu.Unlock()
		var payload struct {
			User map[string]any `json:"user"`
		}
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "u2", payload.User["user_id"])
	})

	t.Run("restores previous user when fetch fails without cache", func(t *testing.T) {
		t.Parallel()
		srv := newSDKServer(t)
		srv.configHandle = func(w http.ResponseWriter, r *http.Request) bool {
			if r.URL.Query().Get("user_id") != "u2" {
				return false
			}
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"bad user"}`))
			return true
		}

		client := newTestClient(t, flagkit.User{UserID: "u1"}, srv, flagkit.WithDisableConfigCache())
		_, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
		require.NoError(t, err)

		_, err = client.IdentifyUser(context.Background(), flagkit.User{UserID: "u2"}, nil).AwaitWithTimeout(5 * time.Second)
		require.Error(t, err)

		// The next refetch still targets the previous user.
		_, err = client.RefetchConfig(context.Background(), 0, "", nil).AwaitWithTimeout(5 * time.Second)
		require.NoError(t, err)
		users := srv.fetchedUsers()
		assert.Equal(t, "u1", users[len(users)-1])
	})

	t.Run("after close", func(t *testing.T) {
		t.Parallel()
		srv := newSDKServer(t)
		client := newTestClient(t, flagkit.User{UserID: "u1"}, srv)
		_, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
		require.NoError(t, err)
		require.NoError(t, client.Close(context.Background()))

		_, err = client.IdentifyUser(context.Background(), flagkit.User{UserID: "u2"}, nil).Await()
		require.ErrorIs(t, err, flagkit.ErrClientClosed)
	})
}

func TestClient_ResetUser(t *testing.T) {
	t.Parallel()

	srv := newSDKServer(t)
	client := newTestClient(t, flagkit.User{UserID: "u1"}, srv)
	_, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
	require.NoError(t, err)

	_, err = client.ResetUser(context.Background(), nil).AwaitWithTimeout(5 * time.Second)
	require.NoError(t, err)

	users := srv.fetchedUsers()
	require.Len(t, users, 2)
	anonID := users[1]
	assert.NotEqual(t, "u1", anonID)
	assert.NotEmpty(t, anonID)

	srv.mu.Lock()
	lastQuery := srv.configQuery[len(srv.configQuery)-1]
	srv.mu.Unlock()
	assert.Contains(t, lastQuery, "isAnonymous=true")
}

func TestClient_RefetchConfig(t *testing.T) {
	t.Parallel()

	srv := newSDKServer(t)
	client := newTestClient(t, flagkit.User{UserID: "u1"}, srv)
	_, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
	require.NoError(t, err)

	_, err = client.RefetchConfig(context.Background(), 1690000000000, "\"abc\"", nil).AwaitWithTimeout(5 * time.Second)
	require.NoError(t, err)

	srv.mu.Lock()
	lastQuery := srv.configQuery[len(srv.configQuery)-1]
	srv.mu.Unlock()
	assert.Contains(t, lastQuery, "sse=true")
	assert.Contains(t, lastQuery, "sseLastModified=1690000000000")
}

func TestClient_HandlePushMessage(t *testing.T) {
	t.Parallel()

	t.Run("refetch message triggers a fetch", func(t *testing.T) {
		t.Parallel()
		srv := newSDKServer(t)
		client := newTestClient(t, flagkit.User{UserID: "u1"}, srv)
		_, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
		require.NoError(t, err)

		raw := []byte(`{"data":"{\"type\":\"refetchConfig\",\"lastModified\":1690000000000}"}`)
		require.NoError(t, client.HandlePushMessage(context.Background(), raw))

		require.Eventually(t, func() bool {
			return len(srv.fetchedUsers()) == 2
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("malformed message", func(t *testing.T) {
		t.Parallel()
		srv := newSDKServer(t)
		client := newTestClient(t, flagkit.User{UserID: "u1"}, srv)
		require.Error(t, client.HandlePushMessage(context.Background(), []byte("not json")))
	})
}

func TestClient_Variable(t *testing.T) {
	t.Parallel()

	srv := newSDKServer(t)
	client := newTestClient(t, flagkit.User{UserID: "u1"}, srv)
	_, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
	require.NoError(t, err)

	t.Run("served from config", func(t *testing.T) {
		v, err := client.Variable("greeting", "fallback")
		require.NoError(t, err)
		assert.False(t, v.IsDefaulted())
		assert.Equal(t, "hello", v.StringValue())
	})

	t.Run("missing key defaults", func(t *testing.T) {
		v, err := client.Variable("no-such-key", 42.0)
		require.NoError(t, err)
		assert.True(t, v.IsDefaulted())
		assert.Equal(t, 42.0, v.Float64Value())
	})

	t.Run("type mismatch defaults", func(t *testing.T) {
		// greeting is a string in the config, asked for as a bool.
		assert.Equal(t, true, client.VariableValue("greeting", true))
	})

	t.Run("same handle for repeated lookups", func(t *testing.T) {
		a, err := client.Variable("greeting", "fallback")
		require.NoError(t, err)
		b, err := client.Variable("greeting", "fallback")
		require.NoError(t, err)
		assert.Same(t, a, b)
	})

	t.Run("invalid default type", func(t *testing.T) {
		_, err := client.Variable("greeting", struct{ X int }{1})
		require.ErrorIs(t, err, flagkit.ErrUnsupportedValueType)
	})
}

func TestClient_AllVariablesAndFeatures(t *testing.T) {
	t.Parallel()

	srv := newSDKServer(t)
	client := newTestClient(t, flagkit.User{UserID: "u1"}, srv)
	_, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
	require.NoError(t, err)

	variables := client.AllVariables()
	assert.Len(t, variables, 2)
	features := client.AllFeatures()
	require.Contains(t, features, "new-checkout")
	assert.Equal(t, "var-1", features["new-checkout"].Variation)

	// Returned maps are copies.
	delete(variables, "greeting")
	assert.Len(t, client.AllVariables(), 2)
}

func TestClient_TrackAndFlush(t *testing.T) {
	t.Parallel()

	srv := newSDKServer(t)
	client := newTestClient(t, flagkit.User{UserID: "u1"}, srv, flagkit.WithDisableAutomaticEventLogging())
	_, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
	require.NoError(t, err)

	client.Track(flagkit.Event{Type: "checkout", Target: "cart", Value: 49.99})

	var callbackErr error = errors.New("not called")
	done := make(chan struct{})
	_, err = client.FlushEvents(context.Background(), func(err error) {
		callbackErr = err
		close(done)
	}).AwaitWithTimeout(5 * time.Second)
	require.NoError(t, err)
	<-done
	require.NoError(t, callbackErr)

	srv.mu.Lock()
	require.Len(t, srv.eventBodies, 1)
	body := srv.eventBodies[0]
	srv.mu.Unlock()

	var payload struct {
		User   map[string]any   `json:"user"`
		Events []map[string]any `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "u1", payload.User["user_id"])
	require.Len(t, payload.Events, 1)
	assert.Equal(t, "customEvent", payload.Events[0]["type"])
	assert.Equal(t, "checkout", payload.Events[0]["customType"])
	assert.Equal(t, "cart", payload.Events[0]["target"])
	assert.Equal(t, 49.99, payload.Events[0]["value"])
}

func TestClient_Close(t *testing.T) {
	t.Parallel()

	srv := newSDKServer(t)
	client := newTestClient(t, flagkit.User{UserID: "u1"}, srv, flagkit.WithDisableAutomaticEventLogging())
	_, err := client.Initialized().AwaitWithTimeout(5 * time.Second)
	require.NoError(t, err)

	client.Track(flagkit.Event{Type: "before-close"})
	require.NoError(t, client.Close(context.Background()))

	// Queued events drain on close.
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.eventBodies) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Dropped silently after close.
	client.Track(flagkit.Event{Type: "after-close"})
	assert.ErrorIs(t, client.Close(context.Background()), flagkit.ErrClientClosed)
}
