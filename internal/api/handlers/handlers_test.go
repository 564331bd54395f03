package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/bunker/internal/domain/model"
	"github.com/bigkaa/bunker/internal/ipfs"
	"github.com/bigkaa/bunker/internal/repository"
	"github.com/bigkaa/bunker/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubNode — дублёр IPFS-демона для HTTP-тестов.
type stubNode struct {
	pins     map[string]struct{}
	pinErr   error
	unpinErr error
}

func newStubNode() *stubNode {
	return &stubNode{pins: make(map[string]struct{})}
}

func (s *stubNode) Add(_ context.Context, _ string, content io.Reader) (*ipfs.AddResult, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return &ipfs.AddResult{CID: "Qm" + hex.EncodeToString(sum[:16]), Size: int64(len(data))}, nil
}

func (s *stubNode) Pin(_ context.Context, cid string) error {
	if s.pinErr != nil {
		return s.pinErr
	}
	s.pins[cid] = struct{}{}
	return nil
}

func (s *stubNode) Unpin(_ context.Context, cid string) error {
	if s.unpinErr != nil {
		return s.unpinErr
	}
	if _, ok := s.pins[cid]; !ok {
		return ipfs.ErrNotPinned
	}
	delete(s.pins, cid)
	return nil
}

func (s *stubNode) ListPins(_ context.Context) (map[string]struct{}, error) {
	pins := make(map[string]struct{}, len(s.pins))
	for cid := range s.pins {
		pins[cid] = struct{}{}
	}
	return pins, nil
}

// stubChecker — проверка готовности с фиксированным статусом.
type stubChecker struct {
	status  string
	message string
}

func (c *stubChecker) CheckReady() (string, string) { return c.status, c.message }

// setupTestAPI собирает полный HTTP-стек с in-memory реестром.
func setupTestAPI(t *testing.T, node *stubNode) *chi.Mux {
	t.Helper()

	repo := repository.NewMemoryPinRepository()
	reconciler := service.NewReconcileService(node, repo, nil, time.Hour, testLogger())
	manager := service.NewPinManager(node, repo, nil, reconciler, testLogger())

	health := NewHealthHandler(nil, &stubChecker{status: "ok", message: "kubo 0.32.1"})
	handler := NewAPIHandler(manager, reconciler, health, 1<<20, testLogger())

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return router
}

// multipartBody собирает multipart-тело с одним файлом в поле files.
func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("Запись содержимого: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Закрытие multipart: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func doAdd(t *testing.T, router *chi.Mux, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()

	body, contentType := multipartBody(t, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/api/v2/add", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRoot(t *testing.T) {
	router := setupTestAPI(t, newStubNode())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Статус: ожидался 200, получен %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Декодирование ответа: %v", err)
	}
	if resp["message"] == "" {
		t.Error("Ответ должен содержать приветственное сообщение")
	}
}

func TestAddPins(t *testing.T) {
	node := newStubNode()
	router := setupTestAPI(t, node)

	rec := doAdd(t, router, "hello.txt", []byte("hello"))
	if rec.Code != http.StatusOK {
		t.Fatalf("Статус: ожидался 200, получен %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data []struct {
			Name string `json:"Name"`
			Hash string `json:"Hash"`
			Size int64  `json:"Size"`
		} `json:"data"`
		Records []*model.PinRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Декодирование ответа: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("Элементов data %d, ожидался 1", len(resp.Data))
	}
	if resp.Data[0].Name != "hello.txt" || resp.Data[0].Hash == "" || resp.Data[0].Size != 5 {
		t.Errorf("Неожиданный элемент data: %+v", resp.Data[0])
	}
	if len(resp.Records) != 1 || resp.Records[0].State != model.StatePinned {
		t.Errorf("Неожиданные records: %+v", resp.Records)
	}
	if _, ok := node.pins[resp.Data[0].Hash]; !ok {
		t.Error("CID не закреплён на демоне")
	}
}

func TestAddPins_NoFiles(t *testing.T) {
	router := setupTestAPI(t, newStubNode())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("other", "value")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v2/add", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Статус: ожидался 400, получен %d", rec.Code)
	}
	assertErrorCode(t, rec, "VALIDATION_ERROR")
}

// TestAddPins_PartialFailure: отказ pin отдаёт 502 с кодом PARTIAL_PIN
// и failed-записью в теле.
func TestAddPins_PartialFailure(t *testing.T) {
	node := newStubNode()
	node.pinErr = &ipfs.DaemonError{StatusCode: 500, Message: "pin timeout"}
	router := setupTestAPI(t, node)

	rec := doAdd(t, router, "fail.txt", []byte("fails"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Статус: ожидался 502, получен %d", rec.Code)
	}

	var resp struct {
		Error struct {
			Code   string           `json:"code"`
			Record *model.PinRecord `json:"record"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Декодирование ответа: %v", err)
	}
	if resp.Error.Code != "PARTIAL_PIN" {
		t.Errorf("Код: ожидался PARTIAL_PIN, получен %s", resp.Error.Code)
	}
	if resp.Error.Record == nil || resp.Error.Record.State != model.StateFailed {
		t.Errorf("Тело должно содержать failed-запись: %+v", resp.Error.Record)
	}
}

func TestListPins(t *testing.T) {
	router := setupTestAPI(t, newStubNode())

	doAdd(t, router, "a.txt", []byte("aaa"))
	doAdd(t, router, "b.txt", []byte("bbb"))

	req := httptest.NewRequest(http.MethodGet, "/api/v2/pins", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Статус: ожидался 200, получен %d", rec.Code)
	}

	var resp struct {
		PinnedFiles []*model.PinRecord `json:"pinned_files"`
		Count       int                `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Декодирование ответа: %v", err)
	}
	if resp.Count != 2 || len(resp.PinnedFiles) != 2 {
		t.Errorf("Записей %d (count=%d), ожидалось 2", len(resp.PinnedFiles), resp.Count)
	}
}

func TestListPins_Empty(t *testing.T) {
	router := setupTestAPI(t, newStubNode())

	req := httptest.NewRequest(http.MethodGet, "/api/v2/pins", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Статус: ожидался 200, получен %d", rec.Code)
	}
	// Пустой реестр — пустой массив, не null
	if !strings.Contains(rec.Body.String(), `"pinned_files":[]`) {
		t.Errorf("Ожидался пустой массив pinned_files: %s", rec.Body.String())
	}
}

func TestUnpin(t *testing.T) {
	node := newStubNode()
	router := setupTestAPI(t, node)

	addRec := doAdd(t, router, "gone.txt", []byte("remove me"))
	var addResp struct {
		Data []struct {
			Hash string `json:"Hash"`
		} `json:"data"`
	}
	if err := json.Unmarshal(addRec.Body.Bytes(), &addResp); err != nil {
		t.Fatalf("Декодирование ответа add: %v", err)
	}
	cid := addResp.Data[0].Hash

	body, _ := json.Marshal(map[string]string{"hash": cid})
	req := httptest.NewRequest(http.MethodPost, "/api/v2/unpin", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Статус: ожидался 200, получен %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), cid) {
		t.Error("Сообщение должно содержать снятый CID")
	}
	if _, ok := node.pins[cid]; ok {
		t.Error("Pin должен быть снят с демона")
	}
}

func TestUnpin_UnknownCID(t *testing.T) {
	router := setupTestAPI(t, newStubNode())

	body, _ := json.Marshal(map[string]string{"hash": "QmNoSuch"})
	req := httptest.NewRequest(http.MethodPost, "/api/v2/unpin", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Статус: ожидался 404, получен %d", rec.Code)
	}
	assertErrorCode(t, rec, "NOT_FOUND")
}

func TestUnpin_MissingHash(t *testing.T) {
	router := setupTestAPI(t, newStubNode())

	req := httptest.NewRequest(http.MethodPost, "/api/v2/unpin", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Статус: ожидался 400, получен %d", rec.Code)
	}
}

func TestGetPin(t *testing.T) {
	router := setupTestAPI(t, newStubNode())

	addRec := doAdd(t, router, "one.txt", []byte("single"))
	var addResp struct {
		Data []struct {
			Hash string `json:"Hash"`
		} `json:"data"`
	}
	if err := json.Unmarshal(addRec.Body.Bytes(), &addResp); err != nil {
		t.Fatalf("Декодирование ответа add: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v2/pins/"+addResp.Data[0].Hash, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Статус: ожидался 200, получен %d", rec.Code)
	}

	var got model.PinRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Декодирование записи: %v", err)
	}
	if got.Name != "one.txt" || got.State != model.StatePinned {
		t.Errorf("Неожиданная запись: %+v", got)
	}
}

func TestGetPin_NotFound(t *testing.T) {
	router := setupTestAPI(t, newStubNode())

	req := httptest.NewRequest(http.MethodGet, "/api/v2/pins/QmMissing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Статус: ожидался 404, получен %d", rec.Code)
	}
}

// TestRetryPin: после отказа pin повтор через API доводит запись до pinned.
func TestRetryPin(t *testing.T) {
	node := newStubNode()
	node.pinErr = &ipfs.DaemonError{StatusCode: 500, Message: "временный отказ"}
	router := setupTestAPI(t, node)

	addRec := doAdd(t, router, "r.txt", []byte("retry"))
	if addRec.Code != http.StatusBadGateway {
		t.Fatalf("Статус add: ожидался 502, получен %d", addRec.Code)
	}
	var addResp struct {
		Error struct {
			Record *model.PinRecord `json:"record"`
		} `json:"error"`
	}
	if err := json.Unmarshal(addRec.Body.Bytes(), &addResp); err != nil {
		t.Fatalf("Декодирование ответа add: %v", err)
	}
	cid := addResp.Error.Record.CID

	node.pinErr = nil

	req := httptest.NewRequest(http.MethodPost, "/api/v2/pins/"+cid+"/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Статус retry: ожидался 200, получен %d: %s", rec.Code, rec.Body.String())
	}
	var got model.PinRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Декодирование записи: %v", err)
	}
	if got.State != model.StatePinned {
		t.Errorf("Состояние: ожидалось pinned, получено %s", got.State)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	node := newStubNode()
	node.pins["QmExternal"] = struct{}{}
	router := setupTestAPI(t, node)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/reconcile", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Статус: ожидался 200, получен %d", rec.Code)
	}

	var report model.ReconcileReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("Декодирование отчёта: %v", err)
	}
	if len(report.Adopted) != 1 || report.Adopted[0] != "QmExternal" {
		t.Errorf("Adopted: ожидался [QmExternal], получено %v", report.Adopted)
	}
}

func TestHealthLive(t *testing.T) {
	router := setupTestAPI(t, newStubNode())

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Статус: ожидался 200, получен %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"service":"bunker"`) {
		t.Errorf("Неожиданное тело liveness: %s", rec.Body.String())
	}
}

func TestHealthReady(t *testing.T) {
	router := setupTestAPI(t, newStubNode())

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Статус: ожидался 200, получен %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string `json:"status"`
		Checks struct {
			PostgreSQL struct {
				Status string `json:"status"`
			} `json:"postgresql"`
			IPFS struct {
				Status string `json:"status"`
			} `json:"ipfs"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Декодирование ответа: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Статус: ожидался ok, получен %s", resp.Status)
	}
	// В in-memory режиме PostgreSQL помечается как пропущенный, не fail
	if resp.Checks.PostgreSQL.Status != "ok" {
		t.Errorf("PostgreSQL-проверка в in-memory режиме: ожидался ok, получен %s", resp.Checks.PostgreSQL.Status)
	}
}

func TestHealthReady_DaemonDown(t *testing.T) {
	repo := repository.NewMemoryPinRepository()
	node := newStubNode()
	reconciler := service.NewReconcileService(node, repo, nil, time.Hour, testLogger())
	manager := service.NewPinManager(node, repo, nil, reconciler, testLogger())

	health := NewHealthHandler(nil, &stubChecker{status: "fail", message: "демон недоступен"})
	handler := NewAPIHandler(manager, reconciler, health, 1<<20, testLogger())

	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Статус: ожидался 503, получен %d", rec.Code)
	}
}

// assertErrorCode проверяет машиночитаемый код в теле ошибки.
func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()

	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Декодирование тела ошибки: %v", err)
	}
	if resp.Error.Code != want {
		t.Errorf("Код ошибки: ожидался %s, получен %s", want, resp.Error.Code)
	}
}
