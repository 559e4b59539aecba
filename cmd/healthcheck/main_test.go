package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	client := &http.Client{Timeout: time.Second}

	require.NoError(t, probe(client, srv.URL))

	status = http.StatusServiceUnavailable
	err := probe(client, srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
