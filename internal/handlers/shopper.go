package handlers

import (
	"net/http"
	"strings"

	"golang.org/x/text/language"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

const (
	headerUserID = "X-Storefront-User"
	headerCartID = "X-Storefront-Cart"
)

// ShopperMiddleware resolves the shopper session forwarded by the storefront edge and stores it
// on the request context. The bearer token is passed through to upstream APIs unverified.
func ShopperMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestctx.WithSession(r.Context(), shopperFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func shopperFromRequest(r *http.Request) domain.UserSession {
	session := domain.UserSession{
		UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
		CartID: strings.TrimSpace(r.Header.Get(headerCartID)),
		Locale: preferredLocale(r.Header.Get("Accept-Language")),
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		session.AccessToken = strings.TrimSpace(auth[7:])
	}
	return session
}

func preferredLocale(header string) string {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}

func shopperFrom(r *http.Request) domain.UserSession {
	if session, ok := requestctx.Session(r.Context()); ok {
		return session
	}
	return shopperFromRequest(r)
}
