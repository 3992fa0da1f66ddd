package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// restFixture is a tiny stand-in for the hosted data service.
type restFixture struct {
	t        *testing.T
	srv      *httptest.Server
	requests []*http.Request
	bodies   []map[string]any
}

func newRESTFixture(t *testing.T, routes func(r chi.Router)) *restFixture {
	t.Helper()
	f := &restFixture{t: t}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			body, _ := io.ReadAll(req.Body)
			var decoded map[string]any
			_ = json.Unmarshal(body, &decoded)
			f.requests = append(f.requests, req.Clone(context.Background()))
			f.bodies = append(f.bodies, decoded)
			req.Body = io.NopCloser(strings.NewReader(string(body)))
			next.ServeHTTP(w, req)
		})
	})
	routes(r)
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *restFixture) client(opts ...ClientOption) *Client {
	return NewClient("user-token", append([]ClientOption{WithBaseURL(f.srv.URL), WithAPIKey("anon")}, opts...)...)
}

func (f *restFixture) last() (*http.Request, map[string]any) {
	f.t.Helper()
	require.NotEmpty(f.t, f.requests)
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func respond(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

const rowJSON = `{"id":"m1","conversation_id":"c1","sender_actor_id":"alice","body":"hi","client_id":"tmp_1","created_at":"2026-01-01T12:00:01Z","edited_at":null,"deleted_at":null}`

func TestClientFetchPage(t *testing.T) {
	f := newRESTFixture(t, func(r chi.Router) {
		r.Get("/rest/v1/messages", func(w http.ResponseWriter, req *http.Request) {
			respond(w, 200, "["+rowJSON+"]")
		})
	})
	c := f.client()

	before, since := at(10), at(0)
	rows, err := c.FetchPage(context.Background(), "c1", PageQuery{Before: &before, Since: &since, Limit: 30})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, MessageID("m1"), rows[0].ID)
	assert.Equal(t, "tmp_1", rows[0].ClientID)
	assert.True(t, rows[0].CreatedAt.Equal(at(1)))

	req, _ := f.last()
	q := req.URL.Query()
	assert.Equal(t, "eq.c1", q.Get("conversation_id"))
	assert.Equal(t, "is.null", q.Get("deleted_at"))
	assert.Equal(t, "created_at.desc,id.desc", q.Get("order"))
	assert.Equal(t, "30", q.Get("limit"))
	assert.ElementsMatch(t, []string{"lt." + ts(before), "gte." + ts(since)}, q["created_at"])
	assert.Equal(t, "Bearer user-token", req.Header.Get("Authorization"))
	assert.Equal(t, "anon", req.Header.Get("apikey"))
}

func TestClientFetchPageRejectsMalformedRows(t *testing.T) {
	f := newRESTFixture(t, func(r chi.Router) {
		r.Get("/rest/v1/messages", func(w http.ResponseWriter, req *http.Request) {
			respond(w, 200, `[{"id":"m1","conversation_id":"c1"}]`)
		})
	})
	_, err := f.client().FetchPage(context.Background(), "c1", PageQuery{Limit: 1})
	assert.ErrorIs(t, err, ErrMalformedRow)
}

func TestClientInsertEditUnsend(t *testing.T) {
	f := newRESTFixture(t, func(r chi.Router) {
		r.Post("/rest/v1/messages", func(w http.ResponseWriter, req *http.Request) {
			respond(w, 201, "["+rowJSON+"]")
		})
		r.Post("/rest/v1/rpc/edit_message", func(w http.ResponseWriter, req *http.Request) {
			respond(w, 200, strings.Replace(rowJSON, `"edited_at":null`, `"edited_at":"2026-01-01T12:01:00Z"`, 1))
		})
		r.Post("/rest/v1/rpc/unsend_message", func(w http.ResponseWriter, req *http.Request) {
			respond(w, 200, strings.Replace(rowJSON, `"deleted_at":null`, `"deleted_at":"2026-01-01T12:02:00Z"`, 1))
		})
	})
	c := f.client()
	ctx := context.Background()

	m, err := c.Insert(ctx, "c1", "alice", "hi", "tmp_1")
	require.NoError(t, err)
	assert.Equal(t, MessageID("m1"), m.ID)
	req, body := f.last()
	assert.Equal(t, "return=representation", req.Header.Get("Prefer"))
	assert.Equal(t, "tmp_1", body["client_id"])
	assert.Equal(t, "alice", body["sender_actor_id"])

	m, err = c.Edit(ctx, "m1", "alice", "hi!")
	require.NoError(t, err)
	assert.NotNil(t, m.EditedAt)
	_, body = f.last()
	assert.Equal(t, "hi!", body["p_body"])

	m, err = c.Unsend(ctx, "m1", "alice")
	require.NoError(t, err)
	assert.True(t, m.Deleted())
	assert.Nil(t, m.Body, "unsent rows carry no body")
}

func TestClientErrorTaxonomy(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{403, `{"code":"42501","message":"permission denied for message"}`, ErrPermissionDenied},
		{401, `{"message":"JWT expired"}`, ErrPermissionDenied},
		{404, `{"message":"not found"}`, ErrNotFound},
		{409, `{"code":"message_deleted","message":"message was unsent"}`, ErrMessageDeleted},
		{503, `upstream unavailable`, ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			f := newRESTFixture(t, func(r chi.Router) {
				r.Post("/rest/v1/rpc/edit_message", func(w http.ResponseWriter, req *http.Request) {
					respond(w, tt.status, tt.body)
				})
			})
			_, err := f.client().Edit(context.Background(), "m1", "bob", "x")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.NotEmpty(t, apiErr.Message)
		})
	}
}

func TestClientNetworkFailure(t *testing.T) {
	c := NewClient("tok", WithBaseURL("http://127.0.0.1:1"), WithTimeout(time.Second))
	_, err := c.FetchPage(context.Background(), "c1", PageQuery{Limit: 1})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestClientHiddenReceipts(t *testing.T) {
	f := newRESTFixture(t, func(r chi.Router) {
		r.Get("/rest/v1/message_hides", func(w http.ResponseWriter, req *http.Request) {
			respond(w, 200, `[{"message_id":"m2"}]`)
		})
		r.Post("/rest/v1/message_hides", func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(201)
		})
	})
	c := f.client()
	ctx := context.Background()

	empty, err := c.ResolveHidden(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Empty(t, f.requests, "no request for an empty id list")

	hidden, err := c.ResolveHidden(ctx, "alice", []MessageID{"m1", "m2"})
	require.NoError(t, err)
	assert.Equal(t, map[MessageID]struct{}{"m2": {}}, hidden)
	req, _ := f.last()
	assert.Equal(t, "in.(m1,m2)", req.URL.Query().Get("message_id"))
	assert.Equal(t, "eq.alice", req.URL.Query().Get("actor_id"))

	require.NoError(t, c.Hide(ctx, "alice", "m1"))
	req, body := f.last()
	assert.Equal(t, "resolution=ignore-duplicates", req.Header.Get("Prefer"))
	assert.Equal(t, "m1", body["message_id"])
}

func TestClientCutoffs(t *testing.T) {
	cleared := false
	f := newRESTFixture(t, func(r chi.Router) {
		r.Get("/rest/v1/conversation_cutoffs", func(w http.ResponseWriter, req *http.Request) {
			if cleared {
				respond(w, 200, `[{"history_cutoff_at":"2026-01-01T12:00:30Z"}]`)
				return
			}
			respond(w, 200, `[]`)
		})
		r.Post("/rest/v1/rpc/clear_conversation_history", func(w http.ResponseWriter, req *http.Request) {
			cleared = true
			respond(w, 200, `"2026-01-01T12:00:30Z"`)
		})
	})
	c := f.client()
	ctx := context.Background()

	cutoff, err := c.Cutoff(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Nil(t, cutoff)

	at30, err := c.ClearHistory(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, at30.Equal(at(30)))

	cutoff, err = c.Cutoff(ctx, "alice", "c1")
	require.NoError(t, err)
	require.NotNil(t, cutoff)
	assert.True(t, cutoff.Equal(at(30)))

	ch, err := c.WatchCutoff(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Nil(t, ch, "no realtime client attached")
}

func TestClientSubscribeNeedsRealtime(t *testing.T) {
	c := NewClient("tok")
	_, err := c.Subscribe(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNotReady)

	rt := c.Realtime(&RealtimeConfig{})
	assert.Equal(t, "tok", rt.config.Token)
	sub, err := c.Subscribe(context.Background(), "c1")
	require.NoError(t, err)
	sub.Close()
}

func TestClientTokenSource(t *testing.T) {
	f := newRESTFixture(t, func(r chi.Router) {
		r.Get("/rest/v1/messages", func(w http.ResponseWriter, req *http.Request) {
			respond(w, 200, `[]`)
		})
	})
	ident, err := NewTokenIdentity(signedToken(t, "alice", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	c := f.client(WithTokenSource(ident))

	_, err = c.FetchPage(context.Background(), "c1", PageQuery{Limit: 1})
	require.NoError(t, err)
	req, _ := f.last()
	assert.Equal(t, "Bearer "+ident.Token(), req.Header.Get("Authorization"))
}

// TestEngineOverClient runs the engine end to end against the REST adapter.
func TestEngineOverClient(t *testing.T) {
	f := newRESTFixture(t, func(r chi.Router) {
		r.Get("/rest/v1/messages", func(w http.ResponseWriter, req *http.Request) {
			respond(w, 200, "["+rowJSON+"]")
		})
		r.Get("/rest/v1/message_hides", func(w http.ResponseWriter, req *http.Request) {
			respond(w, 200, `[]`)
		})
		r.Get("/rest/v1/conversation_cutoffs", func(w http.ResponseWriter, req *http.Request) {
			respond(w, 200, `[]`)
		})
	})
	c := f.client()
	feed, err := NewWebhookFeed("secret")
	require.NoError(t, err)

	e := NewEngine(c, StaticIdentity{Actor: "alice"},
		WithHiddenSet(c),
		WithCutoffResolver(c),
		WithFeed(feed),
	)
	defer e.Close()
	require.NoError(t, e.Open(context.Background(), "c1"))
	assert.Equal(t, []MessageID{"m1"}, ids(e.Messages()))
	assert.False(t, e.HasMore())
}
