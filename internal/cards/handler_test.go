package cards

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	id  string
	err error
}

func (e fakeExtractor) Extract(ctx context.Context, filename string, image io.Reader) (string, error) {
	return e.id, e.err
}

type staticPin string

func (p staticPin) Verify(pin string) bool { return pin != "" && pin == string(p) }

func newTestServer(t *testing.T, f *fixture, opts ...HandlerOption) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(f.svc, opts...).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandler_ScanStatusCodes(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f)

	resp := doJSON(t, http.MethodPost, srv.URL+"/scan", map[string]string{"code": "ABCD1234"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decode[ScanResult](t, resp)
	require.NotNil(t, res.Record)
	assert.Equal(t, ModeRegister, res.Mode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/scan", map[string]string{"code": "ABCD1234"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[ScanResult](t, resp).Ignored)

	f.clock.Advance(DefaultDebounce)
	resp = doJSON(t, http.MethodPost, srv.URL+"/scan", map[string]string{"code": "ABCD1234"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/scan", map[string]string{"code": "ab"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/scan", map[string]string{"code": "ZZZZ9999", "mode": "pickup"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/scan", map[string]string{"code": "ZZZZ9999", "mode": "audit"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandler_Mode(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f)

	resp := doJSON(t, http.MethodGet, srv.URL+"/mode", nil)
	assert.Equal(t, "register", decode[map[string]string](t, resp)["mode"])

	resp = doJSON(t, http.MethodPut, srv.URL+"/mode", map[string]string{"mode": "pickup"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPut, srv.URL+"/mode", map[string]string{"mode": "audit"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/mode", nil)
	assert.Equal(t, "pickup", decode[map[string]string](t, resp)["mode"])

	_, err := f.svc.Register(context.Background(), "ABCD1234")
	require.NoError(t, err)
	f.clock.Advance(DefaultDebounce)

	resp = doJSON(t, http.MethodPost, srv.URL+"/scan", map[string]string{"code": "ABCD1234"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, StateWithdrawn, decode[ScanResult](t, resp).Record.State)
}

func TestHandler_RecordsAndExport(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f)
	ctx := context.Background()

	for _, id := range []string{"AB-0001", "CD-0002"} {
		_, err := f.svc.Register(ctx, id)
		require.NoError(t, err)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/records?q=ab", nil)
	records := decode[[]CardRecord](t, resp)
	require.Len(t, records, 1)
	assert.Equal(t, "AB-0001", records[0].Identifier)

	resp = doJSON(t, http.MethodGet, srv.URL+"/records/CD-0002", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/records/XX-0000", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/records/export.csv", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "cards_")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Len(t, lines, 3)

	resp = doJSON(t, http.MethodGet, srv.URL+"/activity?limit=1", nil)
	assert.Len(t, decode[[]ActivityEntry](t, resp), 1)

	resp = doJSON(t, http.MethodGet, srv.URL+"/activity?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_QueueAndFlush(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f)

	f.remote.setDown(true)
	resp := doJSON(t, http.MethodPost, srv.URL+"/scan", map[string]string{"code": "ABCD1234"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/queue", nil)
	queue := decode[struct {
		Pending []PendingOperation `json:"pending"`
	}](t, resp)
	assert.Len(t, queue.Pending, 1)

	resp = doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	health := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["pending"])

	f.remote.setDown(false)
	resp = doJSON(t, http.MethodPost, srv.URL+"/queue/flush", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[FlushResult](t, resp)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, res.Remaining)
}

func TestHandler_ClearRequiresPin(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f, WithPin(staticPin("4321")))

	_, err := f.svc.Register(context.Background(), "ABCD1234")
	require.NoError(t, err)

	resp := doJSON(t, http.MethodDelete, srv.URL+"/data", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Len(t, f.svc.Records(context.Background(), ""), 1)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/data", nil)
	require.NoError(t, err)
	req.Header.Set("X-Operator-Pin", "4321")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, f.svc.Records(context.Background(), ""))
}

func uploadImage(t *testing.T, url string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "card.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("not really a jpeg"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandler_OCR(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		srv := newTestServer(t, newFixture(t))
		resp := uploadImage(t, srv.URL+"/ocr")
		assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	})

	t.Run("match scans in current mode", func(t *testing.T) {
		f := newFixture(t)
		srv := newTestServer(t, f, WithExtractor(fakeExtractor{id: "12345678-9"}))
		resp := uploadImage(t, srv.URL+"/ocr")
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		_, err := f.svc.Card(context.Background(), "12345678-9")
		assert.NoError(t, err)
	})

	t.Run("no match is a notice", func(t *testing.T) {
		f := newFixture(t)
		srv := newTestServer(t, f, WithExtractor(fakeExtractor{err: ErrNoMatch}))
		resp := uploadImage(t, srv.URL+"/ocr")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Contains(t, decode[map[string]string](t, resp), "notice")
		assert.Empty(t, f.svc.Records(context.Background(), ""))
	})

	t.Run("service failure", func(t *testing.T) {
		srv := newTestServer(t, newFixture(t), WithExtractor(fakeExtractor{err: io.ErrUnexpectedEOF}))
		resp := uploadImage(t, srv.URL+"/ocr")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}
