// Package echo is a local peer for trying out the encrypting client. It
// prints what it receives and, when the client echoes its key material,
// decrypts request bodies and encrypts its replies.
package echo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"k8s.io/klog/v2"

	"github.com/jetstack/payload-envelope/internal/envelope"
	"github.com/jetstack/payload-envelope/internal/envelope/aesgcm"
	"github.com/jetstack/payload-envelope/pkg/transport"
)

const maxBodySize = 32 * 1024 * 1024

// Options configures the echo server.
type Options struct {
	Listen string

	// Compact prints JSON on a single line
	Compact bool

	// AllowedToken, if set, is the bearer token every request must carry
	AllowedToken string

	// EncryptResponses replies with an encrypted response whenever the
	// request echoed its key material
	EncryptResponses bool
}

// Handler prints received requests to out.
type Handler struct {
	opts Options

	mu  sync.Mutex
	out io.Writer
}

// NewHandler creates a Handler writing to out.
func NewHandler(opts Options, out io.Writer) *Handler {
	return &Handler{opts: opts, out: out}
}

// Serve runs the echo server until ctx is cancelled.
func Serve(ctx context.Context, opts Options, out io.Writer) error {
	log := klog.FromContext(ctx).WithName("echo")

	mux := http.NewServeMux()
	mux.Handle("/", NewHandler(opts, out))

	server := &http.Server{
		Addr:              opts.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("Listening to requests", "address", opts.Listen)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// received describes a single request once its encryption has been
// identified.
type received struct {
	mode      string
	aesKey    string
	iv        string
	envelope  *envelope.Envelope
	plaintext []byte
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code, err := h.checkAuthorization(w, r)
	if err != nil {
		h.writeError(w, err.Error(), code)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, fmt.Sprintf("reading body: %+v", err), http.StatusBadRequest)
		return
	}

	rec, err := inspect(r, body)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.print(r, rec)

	reply, err := json.Marshal(map[string]any{
		"status": "ok",
		"method": r.Method,
		"path":   r.URL.Path,
		"mode":   rec.mode,
	})
	if err != nil {
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if h.opts.EncryptResponses && rec.aesKey != "" {
		ciphertext, authTag, err := aesgcm.Encrypt(json.RawMessage(reply), rec.aesKey, rec.iv)
		if err != nil {
			h.writeError(w, fmt.Sprintf("encrypting reply: %+v", err), http.StatusInternalServerError)
			return
		}

		reply, _ = json.Marshal(map[string]string{
			"encryptedValue": ciphertext,
			"authTag":        authTag,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(reply)
}

// inspect works out how the request was protected. Bodies are only decrypted
// when the client sent its raw key material.
func inspect(r *http.Request, body []byte) (received, error) {
	rec := received{
		aesKey: r.Header.Get(transport.HeaderAESKey),
		iv:     r.Header.Get(transport.HeaderIV),
	}

	var env envelope.Envelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && env.Encrypted() && env.WrappedKey != "" {
		rec.mode = "body"
		rec.envelope = &env
		if env.IV != "" {
			rec.iv = env.IV
		}

		if rec.aesKey == "" {
			return rec, nil
		}

		plaintext, err := aesgcm.Open(env.Ciphertext, rec.aesKey, rec.iv, env.AuthTag)
		if err != nil {
			return rec, fmt.Errorf("decrypting envelope: %w", err)
		}
		rec.plaintext = plaintext

		return rec, nil
	}

	if r.Header.Get(transport.HeaderEncryptedKey) != "" {
		rec.mode = "header"
	} else {
		rec.mode = "plain"
		rec.aesKey = ""
	}
	rec.plaintext = body

	return rec, nil
}

func (h *Handler) print(r *http.Request, rec received) {
	h.mu.Lock()
	defer h.mu.Unlock()

	color.New(color.FgGreen).Fprintf(h.out, "-- %s %s (%s)\n", r.Method, r.URL.Path, rec.mode)

	if rec.envelope != nil {
		color.New(color.FgYellow).Fprintf(h.out, "Envelope:\n%s\n", h.format(rec.envelope))
	}

	if rec.mode == "header" {
		color.New(color.FgYellow).Fprintf(h.out, "Encrypted key: %s\nIV: %s\n",
			r.Header.Get(transport.HeaderEncryptedKey), r.Header.Get(transport.HeaderIV))
	}

	switch {
	case rec.envelope != nil && rec.plaintext == nil:
		fmt.Fprintln(h.out, "Payload: <no key material, not decrypted>")
	case len(rec.plaintext) > 0:
		color.New(color.FgCyan).Fprintf(h.out, "Payload:\n%s\n", h.formatJSON(rec.plaintext))
	}

	color.New(color.FgGreen).Fprintln(h.out, "-----")
}

func (h *Handler) format(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}

	return h.formatJSON(b)
}

func (h *Handler) formatJSON(b []byte) string {
	var buf bytes.Buffer

	var err error
	if h.opts.Compact {
		err = json.Compact(&buf, b)
	} else {
		err = json.Indent(&buf, b, "", "  ")
	}
	if err != nil {
		return string(b)
	}

	return buf.String()
}

func (h *Handler) checkAuthorization(w http.ResponseWriter, r *http.Request) (int, error) {
	if h.opts.AllowedToken != "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="Echo"`)

		s := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(s) != 2 {
			return http.StatusBadRequest, fmt.Errorf("bad request: malformed Authorization header")
		}

		if s[0] != "Bearer" || s[1] != h.opts.AllowedToken {
			return http.StatusUnauthorized, fmt.Errorf("not authorized")
		}
	}

	return 0, nil
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, code int) {
	h.mu.Lock()
	fmt.Fprintf(h.out, "-- error %d -> %s\n", code, msg)
	h.mu.Unlock()

	b, _ := json.Marshal(map[string]any{"error": msg, "code": code})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
