package runs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// putRecorder is a fake S3 endpoint that accepts PutObject.
type putRecorder struct {
	mu   sync.Mutex
	puts map[string]recordedPut
}

type recordedPut struct {
	body        string
	contentType string
}

func (m *putRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	m.mu.Lock()
	m.puts[req.URL.Path] = recordedPut{body: string(body), contentType: req.Header.Get("Content-Type")}
	m.mu.Unlock()
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Etag": {`"etag123"`}},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func TestS3ArchiverDeliver(t *testing.T) {
	rt := &putRecorder{puts: map[string]recordedPut{}}
	a, err := NewS3Archiver(context.Background(), S3Config{
		Bucket:          "reports",
		Prefix:          "/sync/",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
	}, func(o *s3.Options) { o.HTTPClient = &http.Client{Transport: rt} })
	require.NoError(t, err)

	r := NewReport("run-42", "app-1@postgres")
	r.StartedAt = time.Date(2025, time.March, 2, 10, 0, 0, 0, time.UTC)
	r.Finish(StatusCompleted, nil)

	assert.Equal(t, "sync/app-1_postgres/2025/03/run-42.json", a.Key(r))
	require.NoError(t, a.Deliver(context.Background(), r))

	put, ok := rt.puts["/reports/sync/app-1_postgres/2025/03/run-42.json"]
	require.True(t, ok, "puts: %v", rt.puts)
	assert.Equal(t, "application/json", put.contentType)
	assert.Contains(t, put.body, `"run_id": "run-42"`)
}

func TestNewS3ArchiverRequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		got = map[string]any{"method": r.Method, "body": string(body)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	r := NewReport("run-1", "k")
	r.Finish(StatusFailed, io.ErrUnexpectedEOF)
	require.NoError(t, NewWebhookNotifier(srv.URL, nil).Deliver(context.Background(), r))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPost, got["method"])
	assert.Contains(t, got["body"], `"error_message":"unexpected EOF"`)
}

func TestDeliverersJoinErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := Deliverers{NewWebhookNotifier(srv.URL, nil), NewWebhookNotifier(srv.URL, nil)}
	err := d.Deliver(context.Background(), NewReport("run-1", "k"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
