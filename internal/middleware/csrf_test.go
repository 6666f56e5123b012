package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCSRFHandler(t *testing.T, config CSRFConfig) (http.Handler, *bool) {
	t.Helper()
	called := false
	handler := NewCSRFMiddleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	return handler, &called
}

func TestCSRFMiddleware_SafeMethods_PassThroughWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			handler, called := newCSRFHandler(t, CSRFConfig{})

			req := httptest.NewRequest(method, "/api/videos", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if !*called {
				t.Errorf("%sはトークンなしで通過すべき", method)
			}
		})
	}
}

func TestCSRFMiddleware_MutatingMethods_RequireToken(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			handler, called := newCSRFHandler(t, CSRFConfig{})

			req := httptest.NewRequest(method, "/api/videos/v1/like", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if *called {
				t.Errorf("%sはトークンなしでは拒否されるべき", method)
			}
			if w.Code != http.StatusForbidden {
				t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
			}
		})
	}
}

func TestCSRFMiddleware_TokenValidation(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		header     string
		wantStatus int
	}{
		{"Cookieとヘッダーが一致", "valid-token", "valid-token", http.StatusOK},
		{"ヘッダー欠落", "token-abc", "", http.StatusForbidden},
		{"トークン不一致", "token-abc", "wrong-token", http.StatusForbidden},
		{"Cookie欠落", "", "token-abc", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newCSRFHandler(t, CSRFConfig{})

			req := httptest.NewRequest(http.MethodPost, "/api/videos/v1/like", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestCSRFMiddleware_RejectionBodyIsAPIError(t *testing.T) {
	handler, _ := newCSRFHandler(t, CSRFConfig{})

	req := httptest.NewRequest(http.MethodPost, "/api/videos/v1/pin", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("拒否レスポンスはJSONであるべき: %v", err)
	}
	if body["code"] != "CSRF_INVALID" {
		t.Errorf("code = %q, want %q", body["code"], "CSRF_INVALID")
	}
	if body["action"] == "" {
		t.Error("actionフィールドで回復手順を案内すべき")
	}
}

func TestCSRFMiddleware_GETRequest_SetsCSRFCookie(t *testing.T) {
	handler, _ := newCSRFHandler(t, CSRFConfig{CookieDomain: "divine.video"})

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var csrfCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == csrfCookieName {
			csrfCookie = c
			break
		}
	}

	if csrfCookie == nil {
		t.Fatal("GETリクエストでCSRFトークンCookieが発行されるべき")
	}
	if csrfCookie.Value == "" {
		t.Error("トークン値が空であってはならない")
	}
	if csrfCookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want %v", csrfCookie.SameSite, http.SameSiteLaxMode)
	}
	if csrfCookie.HttpOnly {
		t.Error("CSRF CookieはHttpOnlyであってはならない（フロントエンドが読む）")
	}
	if csrfCookie.Path != "/" {
		t.Errorf("Path = %q, want %q", csrfCookie.Path, "/")
	}
}

func TestCSRFMiddleware_ExistingCookie_NotReissued(t *testing.T) {
	handler, _ := newCSRFHandler(t, CSRFConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	for _, c := range w.Result().Cookies() {
		if c.Name == csrfCookieName {
			t.Error("既存のCookieがある場合は再発行しないべき")
		}
	}
}

// --- CSRFトークン取得エンドポイントのテスト ---

func TestCSRFTokenHandler_SetsTokenCookieAndReturnsJSON(t *testing.T) {
	h := NewCSRFTokenHandler(CSRFConfig{CookieDomain: "divine.video"})

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token == "" {
		t.Error("トークンが空であってはならない")
	}

	var csrfCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == csrfCookieName {
			csrfCookie = c
			break
		}
	}
	if csrfCookie == nil {
		t.Fatal("CSRFトークンCookieが設定されるべき")
	}
	if csrfCookie.Value != body.Token {
		t.Errorf("Cookie値 = %q とレスポンストークン = %q は一致すべき", csrfCookie.Value, body.Token)
	}
}

func TestCSRFTokenHandler_ExistingCookie_ReturnsSameToken(t *testing.T) {
	h := NewCSRFTokenHandler(CSRFConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-csrf-token"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token != "existing-csrf-token" {
		t.Errorf("token = %q, want %q（既存トークンを返すべき）", body.Token, "existing-csrf-token")
	}
}
