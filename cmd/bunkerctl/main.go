// bunkerctl — консольный клиент сервиса Bunker.
// Подкоманды: upload, list, remove, status.
// Адрес API задаётся переменной окружения BUNKER_API_URL
// (по умолчанию http://127.0.0.1:8000/api/v2).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const defaultAPIURL = "http://127.0.0.1:8000/api/v2"

// apiError — тело ошибки API: {"error":{"code","message"}}.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// addEntry — элемент массива data в ответе /add.
type addEntry struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size int64  `json:"Size"`
}

type addResponse struct {
	Data []addEntry `json:"data"`
}

// pinRecord — запись реестра пинов.
type pinRecord struct {
	CID       string    `json:"cid"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type listResponse struct {
	PinnedFiles []pinRecord `json:"pinned_files"`
	Count       int         `json:"count"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	apiURL := os.Getenv("BUNKER_API_URL")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	client := &cliClient{
		apiURL: apiURL,
		http:   &http.Client{Timeout: 5 * time.Minute},
	}

	var err error
	switch os.Args[1] {
	case "upload":
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "Использование: bunkerctl upload <файл>")
			os.Exit(2)
		}
		err = client.upload(os.Args[2])
	case "list":
		err = client.list()
	case "remove":
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "Использование: bunkerctl remove <cid>")
			os.Exit(2)
		}
		err = client.remove(os.Args[2])
	case "status":
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "Использование: bunkerctl status <cid>")
			os.Exit(2)
		}
		err = client.status(os.Args[2])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Ошибка:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `bunkerctl — клиент сервиса Bunker

Подкоманды:
  upload <файл>  загрузить файл и закрепить на IPFS-узле
  list           список закреплённых файлов
  remove <cid>   снять pin по CID
  status <cid>   состояние записи реестра по CID

Переменные окружения:
  BUNKER_API_URL  адрес API (по умолчанию `+defaultAPIURL+`)`)
}

type cliClient struct {
	apiURL string
	http   *http.Client
}

// upload загружает один файл через POST /add (multipart, поле files)
// и печатает публичный URL шлюза.
func (c *cliClient) upload(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s — каталог, требуется файл", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	name := filepath.Base(path)
	fmt.Printf("Загрузка %s (%s)...\n", name, formatSize(info.Size()))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	start := time.Now()
	req, err := http.NewRequest(http.MethodPost, c.apiURL+"/add", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp addResponse
	if err := c.do(req, &resp); err != nil {
		return err
	}
	if len(resp.Data) == 0 {
		return fmt.Errorf("пустой ответ сервиса")
	}

	entry := resp.Data[0]
	fmt.Printf("Готово за %s\n", time.Since(start).Round(time.Second))
	fmt.Printf("CID: %s\n", entry.Hash)
	fmt.Printf("URL: https://%s.ipfs.dweb.link\n", entry.Hash)
	return nil
}

// list печатает все pinned-записи реестра.
func (c *cliClient) list() error {
	req, err := http.NewRequest(http.MethodGet, c.apiURL+"/pins", nil)
	if err != nil {
		return err
	}

	var resp listResponse
	if err := c.do(req, &resp); err != nil {
		return err
	}

	if resp.Count == 0 {
		fmt.Println("Закреплённых файлов нет.")
		return nil
	}

	fmt.Printf("Закреплено файлов: %d\n", resp.Count)
	for _, rec := range resp.PinnedFiles {
		fmt.Printf("  %s  %-10s  %s\n", rec.CID, formatSize(rec.SizeBytes), rec.Name)
	}
	return nil
}

// remove снимает pin по CID через POST /unpin.
func (c *cliClient) remove(cid string) error {
	payload, err := json.Marshal(map[string]string{"hash": cid})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.apiURL+"/unpin", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp messageResponse
	if err := c.do(req, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Message)
	return nil
}

// status печатает запись реестра по CID.
func (c *cliClient) status(cid string) error {
	req, err := http.NewRequest(http.MethodGet, c.apiURL+"/pins/"+cid, nil)
	if err != nil {
		return err
	}

	var rec pinRecord
	if err := c.do(req, &rec); err != nil {
		return err
	}

	fmt.Printf("CID:       %s\n", rec.CID)
	fmt.Printf("Имя:       %s\n", rec.Name)
	fmt.Printf("Размер:    %s\n", formatSize(rec.SizeBytes))
	fmt.Printf("Состояние: %s\n", rec.State)
	fmt.Printf("Создана:   %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Обновлена: %s\n", rec.UpdatedAt.Format(time.RFC3339))
	return nil
}

// do выполняет запрос, при статусе >= 400 извлекает сообщение ошибки API,
// иначе декодирует тело в out.
func (c *cliClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("сервис недоступен: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error.Message, apiErr.Error.Code)
		}
		return fmt.Errorf("сервис вернул статус %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// formatSize переводит байты в человекочитаемый вид (B, KB, MB, GB).
func formatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.2f KB", float64(n)/1024)
	case n < 1024*1024*1024:
		return fmt.Sprintf("%.2f MB", float64(n)/(1024*1024))
	default:
		return fmt.Sprintf("%.2f GB", float64(n)/(1024*1024*1024))
	}
}
