package controllers

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"narrative_backend/services/datafetcher"
)

// providerErrorStatus maps a collection error to an HTTP status
func providerErrorStatus(err error) int {
	var urlErr *url.Error
	switch {
	case errors.Is(err, datafetcher.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, datafetcher.ErrProviderStatus),
		errors.Is(err, datafetcher.ErrMalformedPayload),
		errors.As(err, &urlErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
