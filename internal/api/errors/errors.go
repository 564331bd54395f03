// Пакет errors — конструкторы стандартных ошибок HTTP API Bunker.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"net/http"
)

// Машиночитаемые коды ошибок API.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeDaemonUnavailable = "DAEMON_UNAVAILABLE"
	CodeDaemonError       = "DAEMON_ERROR"
	CodePartialPin        = "PARTIAL_PIN"
	CodeInternalError     = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Record — частичная запись реестра (только для PARTIAL_PIN):
	// содержимое уже на демоне, pin можно повторить по CID.
	Record any `json:"record,omitempty"`
}

// WriteError записывает ответ ошибки в стандартном формате Bunker.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	writeBody(w, statusCode, errorDetail{Code: code, Message: message})
}

func writeBody(w http.ResponseWriter, statusCode int, detail errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Conflict — 409 конфликт (одновременная мутация одного CID).
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// DaemonUnavailable — 502 IPFS-демон недоступен (повторяемая ошибка).
func DaemonUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeDaemonUnavailable, message)
}

// DaemonError — 502 демон отверг запрос.
func DaemonError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeDaemonError, message)
}

// PartialPin — 502 содержимое добавлено, но pin не удался.
// record включается в ответ, чтобы вызывающий мог повторить pin по CID.
func PartialPin(w http.ResponseWriter, message string, record any) {
	writeBody(w, http.StatusBadGateway, errorDetail{
		Code:    CodePartialPin,
		Message: message,
		Record:  record,
	})
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
