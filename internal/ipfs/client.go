// Пакет ipfs — HTTP-клиент RPC API IPFS-демона (Kubo, /api/v0).
// Операции: Add (загрузка содержимого без pin), Pin, Unpin, ListPins, Version.
// Retry-логики здесь нет — повторы решает сервисный слой,
// которому виден полный контекст состояния пина.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Ошибки клиента демона.
var (
	// ErrDaemonUnreachable — сетевая ошибка или таймаут: демон недоступен.
	// Операция может быть безопасно повторена.
	ErrDaemonUnreachable = errors.New("IPFS-демон недоступен")
	// ErrNotPinned — демон сообщил, что CID не закреплён.
	// Для Unpin трактуется вызывающим кодом как успех (идемпотентное снятие).
	ErrNotPinned = errors.New("CID не закреплён на демоне")
)

// DaemonError — демон принял запрос, но отверг его.
// Не повторяется автоматически, сообщение демона передаётся вызывающему.
type DaemonError struct {
	StatusCode int
	Message    string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("демон вернул статус %d: %s", e.StatusCode, e.Message)
}

// AddResult — результат загрузки содержимого в демон.
type AddResult struct {
	// CID — контентный идентификатор, присвоенный демоном
	CID string
	// Size — размер объекта в байтах по данным демона
	Size int64
}

// rpcError — тело ошибки Kubo RPC.
type rpcError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

// addResponse — ответ /api/v0/add. Size приходит строкой.
type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// pinResponse — ответ /api/v0/pin/add и /api/v0/pin/rm.
type pinResponse struct {
	Pins []string `json:"Pins"`
}

// pinLsResponse — ответ /api/v0/pin/ls.
// Keys: CID → {"Type": "recursive"|"direct"|...}.
type pinLsResponse struct {
	Keys map[string]struct {
		Type string `json:"Type"`
	} `json:"Keys"`
}

// versionResponse — ответ /api/v0/version.
type versionResponse struct {
	Version string `json:"Version"`
}

// Client — HTTP-клиент RPC API IPFS-демона.
// Один настроенный endpoint, все вызовы — синхронные round trip
// с ограничением по времени через context.
type Client struct {
	apiURL     string
	httpClient *http.Client
	timeout    time.Duration
	addTimeout time.Duration
	logger     *slog.Logger
}

// New создаёт клиент демона.
// apiURL — адрес RPC API (например http://127.0.0.1:5001).
// timeout — таймаут управляющих запросов (pin/unpin/ls/version).
// addTimeout — таймаут загрузки содержимого.
func New(apiURL string, timeout, addTimeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
		addTimeout: addTimeout,
		logger:     logger.With(slog.String("component", "ipfs_client")),
	}
}

// Add загружает содержимое в демон без закрепления (pin=false)
// и возвращает присвоенный CID. Добавление идемпотентно на стороне
// демона: одинаковые байты всегда дают одинаковый CID.
func (c *Client) Add(ctx context.Context, name string, content io.Reader) (*AddResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.addTimeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("подготовка multipart: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("чтение содержимого %q: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("завершение multipart: %w", err)
	}

	reqURL := c.apiURL + "/api/v0/add?pin=false&cid-version=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &body)
	if err != nil {
		return nil, fmt.Errorf("создание запроса add: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: add %q: %v", ErrDaemonUnreachable, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.daemonError(resp)
	}

	var addResp addResponse
	if err := json.NewDecoder(resp.Body).Decode(&addResp); err != nil {
		return nil, fmt.Errorf("декодирование ответа add: %w", err)
	}
	if addResp.Hash == "" {
		return nil, &DaemonError{StatusCode: resp.StatusCode, Message: "ответ add не содержит Hash"}
	}

	size, err := strconv.ParseInt(addResp.Size, 10, 64)
	if err != nil {
		// Size демона — информационное поле, вызывающий код знает
		// фактический размер загруженных байтов.
		size = 0
	}

	c.logger.Debug("Содержимое добавлено в демон",
		slog.String("cid", addResp.Hash),
		slog.String("name", name),
		slog.Int64("size", size),
	)

	return &AddResult{CID: addResp.Hash, Size: size}, nil
}

// Pin закрепляет CID на демоне (рекурсивно).
func (c *Client) Pin(ctx context.Context, cid string) error {
	var resp pinResponse
	if err := c.rpc(ctx, "/api/v0/pin/add?arg="+url.QueryEscape(cid), &resp); err != nil {
		return fmt.Errorf("pin %s: %w", cid, err)
	}
	return nil
}

// Unpin снимает pin с CID. Ответ демона "not pinned" возвращается
// как ErrNotPinned — вызывающий код решает, считать ли это успехом.
func (c *Client) Unpin(ctx context.Context, cid string) error {
	var resp pinResponse
	if err := c.rpc(ctx, "/api/v0/pin/rm?arg="+url.QueryEscape(cid), &resp); err != nil {
		return fmt.Errorf("unpin %s: %w", cid, err)
	}
	return nil
}

// ListPins возвращает множество рекурсивно закреплённых CID.
func (c *Client) ListPins(ctx context.Context) (map[string]struct{}, error) {
	var resp pinLsResponse
	if err := c.rpc(ctx, "/api/v0/pin/ls?type=recursive", &resp); err != nil {
		return nil, fmt.Errorf("pin ls: %w", err)
	}

	pins := make(map[string]struct{}, len(resp.Keys))
	for cid := range resp.Keys {
		pins[cid] = struct{}{}
	}
	return pins, nil
}

// Version возвращает версию демона. Используется health-проверками.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp versionResponse
	if err := c.rpc(ctx, "/api/v0/version", &resp); err != nil {
		return "", fmt.Errorf("version: %w", err)
	}
	return resp.Version, nil
}

// ReadinessChecker — проверка доступности IPFS-демона для readiness probe.
type ReadinessChecker struct {
	client *Client
}

// NewReadinessChecker создаёт проверку готовности демона.
func NewReadinessChecker(client *Client) *ReadinessChecker {
	return &ReadinessChecker{client: client}
}

// CheckReady проверяет демон запросом версии с таймаутом 3 секунды.
func (rc *ReadinessChecker) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	version, err := rc.client.Version(ctx)
	if err != nil {
		return "fail", err.Error()
	}
	return "ok", "kubo " + version
}

// rpc выполняет POST-запрос Kubo RPC и декодирует JSON-ответ в out.
func (c *Client) rpc(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, nil)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.daemonError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("декодирование ответа демона: %w", err)
	}
	return nil
}

// daemonError разбирает тело ошибки Kubo RPC.
// Сообщение "not pinned" распознаётся как ErrNotPinned.
func (c *Client) daemonError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var rpcErr rpcError
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &rpcErr); err == nil && rpcErr.Message != "" {
		msg = rpcErr.Message
	}

	if strings.Contains(msg, "not pinned") {
		return ErrNotPinned
	}

	return &DaemonError{StatusCode: resp.StatusCode, Message: msg}
}
