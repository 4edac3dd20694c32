// Package httpclient содержит общие части HTTP-клиентов: нормализацию адреса
// сервера и разбор заголовка Retry-After.
package httpclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// BaseURL приводит адрес вида host:port или URL к базовому URL без завершающего слеша.
// Адрес без схемы считается http.
func BaseURL(addr string) string {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

// New создаёт http.Client с общим таймаутом запроса.
func New(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// RetryAfter возвращает паузу из заголовка Retry-After: число секунд или HTTP-дату.
// Отсутствующий или некорректный заголовок даёт 0.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
