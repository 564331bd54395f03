// pins.go — обработчики /api/v2 endpoints реестра пинов.
// Формат ответов /add, /pins и /unpin совместим с оригинальным
// клиентским протоколом Bunker (поле "data" с Name/Hash/Size,
// "pinned_files", "message").
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/bunker/internal/api/errors"
	"github.com/bigkaa/bunker/internal/domain/model"
)

// addEntry — элемент массива data в ответе /add (легаси-формат клиента).
type addEntry struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size int64  `json:"Size"`
}

// addResponse — ответ POST /api/v2/add.
type addResponse struct {
	Data    []addEntry         `json:"data"`
	Records []*model.PinRecord `json:"records"`
}

// listResponse — ответ GET /api/v2/pins.
type listResponse struct {
	PinnedFiles []*model.PinRecord `json:"pinned_files"`
	Count       int                `json:"count"`
}

// unpinRequest — тело POST /api/v2/unpin.
type unpinRequest struct {
	Hash string `json:"hash"`
}

// messageResponse — ответ с человекочитаемым сообщением.
type messageResponse struct {
	Message string `json:"message"`
}

// Root — GET /. Проверка, что сервис запущен.
func (h *APIHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, messageResponse{
		Message: "Welcome to your personal IPFS Pinning Service!",
	})
}

// AddPins — POST /api/v2/add.
// Принимает один или несколько файлов (multipart, поле files),
// добавляет их на IPFS-демон и закрепляет. Повторная загрузка
// тех же байтов — no-op, возвращается существующая запись.
func (h *APIHandler) AddPins(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxFileSize); err != nil {
		apierrors.ValidationError(w, "Некорректный multipart-запрос: "+err.Error())
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		apierrors.ValidationError(w, "Не передано ни одного файла (ожидается поле files)")
		return
	}

	resp := addResponse{}
	for _, fh := range files {
		if fh.Size > h.maxFileSize {
			apierrors.ValidationError(w, "Файл "+fh.Filename+" превышает максимальный размер")
			return
		}

		f, err := fh.Open()
		if err != nil {
			apierrors.InternalError(w, "Не удалось открыть файл "+fh.Filename+": "+err.Error())
			return
		}

		content, err := io.ReadAll(io.LimitReader(f, h.maxFileSize+1))
		_ = f.Close()
		if err != nil {
			apierrors.InternalError(w, "Не удалось прочитать файл "+fh.Filename+": "+err.Error())
			return
		}
		if int64(len(content)) > h.maxFileSize {
			apierrors.ValidationError(w, "Файл "+fh.Filename+" превышает максимальный размер")
			return
		}

		rec, err := h.manager.AddAndPin(r.Context(), fh.Filename, content)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}

		resp.Data = append(resp.Data, addEntry{
			Name: rec.Name,
			Hash: rec.CID,
			Size: rec.SizeBytes,
		})
		resp.Records = append(resp.Records, rec)
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListPins — GET /api/v2/pins.
// Возвращает все pinned-записи реестра в порядке создания.
func (h *APIHandler) ListPins(w http.ResponseWriter, r *http.Request) {
	records, err := h.manager.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if records == nil {
		records = []*model.PinRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		PinnedFiles: records,
		Count:       len(records),
	})
}

// Unpin — POST /api/v2/unpin.
// Снимает pin по CID из тела запроса {"hash": "..."}.
func (h *APIHandler) Unpin(w http.ResponseWriter, r *http.Request) {
	var req unpinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}
	if req.Hash == "" {
		apierrors.ValidationError(w, "CID (hash) обязателен")
		return
	}

	if err := h.manager.Remove(r.Context(), req.Hash); err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Message: "Successfully unpinned hash: " + req.Hash,
	})
}

// GetPin — GET /api/v2/pins/{cid}. Одна запись реестра.
func (h *APIHandler) GetPin(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")

	rec, err := h.manager.Get(r.Context(), cid)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RetryPin — POST /api/v2/pins/{cid}/retry.
// Повторяет pin failed-записи без повторной загрузки содержимого.
func (h *APIHandler) RetryPin(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")

	rec, err := h.manager.RetryPin(r.Context(), cid)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Reconcile — POST /api/v2/reconcile.
// Запускает сверку реестра с pin set демона и возвращает отчёт.
func (h *APIHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.ReconcileOnce(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeJSON сериализует v в тело ответа со статусом status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
