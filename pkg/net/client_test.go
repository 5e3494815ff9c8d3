package net

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHTTPClient(t *testing.T) {
	client, err := GetHTTPClient()
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.NotNil(t, client.Jar)
}

func TestGetOAuthClient_SendsBearer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := GetOAuthClient(context.Background(), "test-token")
	require.NotNil(t, client)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer test-token", got)
}

func TestGetOAuthClient_EmptyToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := GetOAuthClient(context.Background(), "")
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, got)
}

func TestPrintHTTPResponse_Nil(t *testing.T) {
	// should not panic
	PrintHTTPResponse(nil)
}

func TestPrintHTTPResponse_WithResponse(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       http.NoBody,
	}
	// should not panic
	PrintHTTPResponse(resp)
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "customerID,Churn\n0001,No\n")
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")

	require.NoError(t, Download(context.Background(), srv.URL+"/data.csv", path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "0001,No")

	err = Download(context.Background(), srv.URL+"/missing", filepath.Join(dir, "other.csv"))
	assert.ErrorIs(t, err, ErrorURLNotFound)
	_, err = os.Stat(filepath.Join(dir, "other.csv"))
	assert.True(t, os.IsNotExist(err))
}
