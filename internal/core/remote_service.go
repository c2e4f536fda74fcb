package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/rs/zerolog"
	"github.com/vfaronov/httpheader"

	"github.com/bitdash/bitdash/internal/telemetry"
	"github.com/bitdash/bitdash/internal/types"
)

const (
	// Limit error body reads so a misbehaving server cannot flood the client.
	maxErrorBody  = 4 << 10
	maxStatusBody = 4 << 20
	sniffLen      = 261
)

// RemoteBackend implements Backend over the BitTorrent REST API.
type RemoteBackend struct {
	BaseURL      string
	Token        string
	Client       *http.Client // request/response calls, bounded by a timeout
	StreamClient *http.Client // long-lived push connections, no timeout
	logger       zerolog.Logger
}

// Option configures a RemoteBackend.
type Option func(*RemoteBackend)

// WithLogger sets the backend logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *RemoteBackend) {
		b.logger = logger.With().Str("component", "backend").Logger()
	}
}

// WithRequestTimeout bounds every non-streaming request.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *RemoteBackend) {
		if d > 0 {
			b.Client.Timeout = d
		}
	}
}

// WithHTTPClient replaces both HTTP clients.
func WithHTTPClient(c *http.Client) Option {
	return func(b *RemoteBackend) {
		b.Client = c
		b.StreamClient = c
	}
}

// NewRemoteBackend creates a client for the API rooted at baseURL
// (e.g. http://localhost:8080/api).
func NewRemoteBackend(baseURL, token string, opts ...Option) *RemoteBackend {
	b := &RemoteBackend{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Token:        token,
		Client:       &http.Client{Timeout: 30 * time.Second},
		StreamClient: &http.Client{},
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RemoteBackend) url(path string) string {
	return b.BaseURL + path
}

func (b *RemoteBackend) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.url(path), body)
	if err != nil {
		return nil, err
	}
	if b.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}
	return req, nil
}

// doRequest sends req and converts transport failures and non-2xx
// responses into *telemetry.TransportError.
func (b *RemoteBackend) doRequest(client *http.Client, op string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, &telemetry.TransportError{Op: op, URL: req.URL.String(), Err: err}
	}

	b.logger.Debug().
		Str("op", op).
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &telemetry.TransportError{
			Op:         op,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Message:    parseErrorBody(body),
		}
	}
	return resp, nil
}

func (b *RemoteBackend) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := b.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.doRequest(b.Client, op, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// parseErrorBody extracts a human-readable message from an error response:
// the "error" field of a JSON object, the raw JSON, or the raw text.
func parseErrorBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		if msg, ok := obj["error"]; ok && msg != nil {
			return fmt.Sprint(msg)
		}
	}
	return string(trimmed)
}

func jobPath(jobID, suffix string) string {
	return "/torrents/download/" + url.PathEscape(jobID) + suffix
}

func torrentPath(infoHash, suffix string) string {
	return "/torrents/" + url.PathEscape(infoHash) + suffix
}

// FetchStatus returns the raw JSON snapshot for jobID.
func (b *RemoteBackend) FetchStatus(ctx context.Context, jobID string) ([]byte, error) {
	req, err := b.newRequest(ctx, http.MethodGet, jobPath(jobID, "/status"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.doRequest(b.Client, "status", req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return nil, &telemetry.TransportError{Op: "status", URL: req.URL.String(), Err: err}
	}
	return body, nil
}

// ListTorrents returns active downloads and seeding torrents.
func (b *RemoteBackend) ListTorrents(ctx context.Context) ([]types.TorrentSummary, error) {
	var list []types.TorrentSummary
	if err := b.doJSON(ctx, "torrents", http.MethodGet, "/torrents", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// formFile is one file part of a multipart upload.
type formFile struct {
	field string
	path  string
}

// postForm uploads files and the non-empty fields as multipart/form-data.
// The body is streamed, so large payloads are never held in memory.
func (b *RemoteBackend) postForm(ctx context.Context, client *http.Client, op, path string, files []formFile, fields map[string]string) (*http.Response, error) {
	opened := make([]*os.File, 0, len(files))
	for _, ff := range files {
		f, err := os.Open(ff.path)
		if err != nil {
			for _, o := range opened {
				_ = o.Close()
			}
			return nil, err
		}
		opened = append(opened, f)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	contentType := mw.FormDataContentType()
	go func() {
		pw.CloseWithError(writeForm(mw, files, opened, fields))
	}()

	req, err := b.newRequest(ctx, http.MethodPost, path, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	return b.doRequest(client, op, req)
}

// writeForm writes the multipart body and closes every opened file.
func writeForm(mw *multipart.Writer, files []formFile, opened []*os.File, fields map[string]string) error {
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for i, ff := range files {
		part, err := mw.CreateFormFile(ff.field, filepath.Base(ff.path))
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, opened[i]); err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(ff.path), err)
		}
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	return mw.Close()
}

func (b *RemoteBackend) postFormJSON(ctx context.Context, client *http.Client, op, path string, files []formFile, fields map[string]string, out any) error {
	resp, err := b.postForm(ctx, client, op, path, files, fields)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// Ping checks that the API answers at its root.
func (b *RemoteBackend) Ping(ctx context.Context) (types.Health, error) {
	var h types.Health
	if err := b.doJSON(ctx, "ping", http.MethodGet, "/", nil, &h); err != nil {
		return types.Health{}, err
	}
	return h, nil
}

// Info uploads a .torrent file and returns the metadata the backend parsed
// from it. Nothing is started.
func (b *RemoteBackend) Info(ctx context.Context, torrentFile string) (types.TorrentInfo, error) {
	var info types.TorrentInfo
	files := []formFile{{field: "file", path: torrentFile}}
	if err := b.postFormJSON(ctx, b.Client, "info", "/torrents/info", files, nil, &info); err != nil {
		return types.TorrentInfo{}, err
	}
	return info, nil
}

// StartDownload uploads the .torrent file at torrentFile. outputName, when
// set, overrides the saved file name.
func (b *RemoteBackend) StartDownload(ctx context.Context, torrentFile, outputName string) (types.StartResult, error) {
	var result types.StartResult
	files := []formFile{{field: "file", path: torrentFile}}
	fields := map[string]string{"outputFileName": outputName}
	if err := b.postFormJSON(ctx, b.Client, "download", "/torrents/download", files, fields, &result); err != nil {
		return types.StartResult{}, err
	}
	if result.JobID == "" {
		return types.StartResult{}, errors.New("download: response carried no job id")
	}
	b.logger.Info().Str("job_id", result.JobID).Str("torrent", torrentFile).Msg("download started")
	return result, nil
}

// Seed uploads a .torrent file together with the data it describes and
// starts seeding it.
func (b *RemoteBackend) Seed(ctx context.Context, torrentFile, dataFile string) (types.SeedResult, error) {
	var result types.SeedResult
	files := []formFile{
		{field: "torrent", path: torrentFile},
		{field: "file", path: dataFile},
	}
	// The data file can be large; the stream client has no overall timeout.
	if err := b.postFormJSON(ctx, b.StreamClient, "seed", "/torrents/seed", files, nil, &result); err != nil {
		return types.SeedResult{}, err
	}
	if result.InfoHash == "" {
		return types.SeedResult{}, errors.New("seed: response carried no info hash")
	}
	b.logger.Info().Str("info_hash", result.InfoHash).Str("data", dataFile).Msg("seeding started")
	return result, nil
}

// CreateTorrent uploads payloadFile, has the backend build a .torrent for
// it, and saves that into dir. outputName, when set, names the torrent.
func (b *RemoteBackend) CreateTorrent(ctx context.Context, payloadFile, outputName, dir string) (types.FetchedFile, error) {
	files := []formFile{{field: "file", path: payloadFile}}
	fields := map[string]string{"outputName": outputName}
	resp, err := b.postForm(ctx, b.StreamClient, "create", "/torrents/create", files, fields)
	if err != nil {
		return types.FetchedFile{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	name := outputName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(payloadFile), filepath.Ext(payloadFile))
	}
	out, err := b.saveResponse(resp, "create", dir, TorrentFileName(name))
	if err != nil {
		return types.FetchedFile{}, err
	}
	b.logger.Info().Str("payload", payloadFile).Str("path", out.Path).Msg("torrent created")
	return out, nil
}

// TorrentFileName appends .torrent to name unless it is already there.
func TorrentFileName(name string) string {
	if name == "" {
		name = "new-torrent"
	}
	if strings.HasSuffix(name, ".torrent") {
		return name
	}
	return name + ".torrent"
}

// FetchFile streams a completed job's file into dir. The file name comes
// from Content-Disposition, falling back to the job id plus the sniffed
// extension.
func (b *RemoteBackend) FetchFile(ctx context.Context, jobID, dir string) (types.FetchedFile, error) {
	req, err := b.newRequest(ctx, http.MethodGet, jobPath(jobID, "/file"), nil)
	if err != nil {
		return types.FetchedFile{}, err
	}

	// The body can be large; the stream client has no overall timeout.
	resp, err := b.doRequest(b.StreamClient, "file", req)
	if err != nil {
		return types.FetchedFile{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := b.saveResponse(resp, "file", dir, jobID)
	if err != nil {
		return types.FetchedFile{}, err
	}
	b.logger.Info().Str("job_id", jobID).Str("path", out.Path).Int64("size", out.Size).Msg("file fetched")
	return out, nil
}

// saveResponse writes resp's body into dir through a temp file. The name is
// taken from Content-Disposition; otherwise fallback is used, with the
// sniffed extension added when fallback has none.
func (b *RemoteBackend) saveResponse(resp *http.Response, op, dir, fallback string) (types.FetchedFile, error) {
	rawURL := resp.Request.URL.String()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return types.FetchedFile{}, &telemetry.TransportError{Op: op, URL: rawURL, Err: err}
	}
	head = head[:n]

	out := types.FetchedFile{ContentType: resp.Header.Get("Content-Type")}
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		out.ContentType = kind.MIME.Value
		out.Extension = kind.Extension
	}

	name := fallback
	if _, filename, _ := httpheader.ContentDisposition(resp.Header); filename != "" {
		name = filepath.Base(filename)
	} else if out.Extension != "" && filepath.Ext(fallback) == "" {
		name = fallback + "." + out.Extension
	}
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = fallback
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.FetchedFile{}, err
	}
	out.Path = filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return types.FetchedFile{}, err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	written, err := io.Copy(tmp, io.MultiReader(bytes.NewReader(head), resp.Body))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return types.FetchedFile{}, &telemetry.TransportError{Op: op, URL: rawURL, Err: err}
	}
	if err := os.Rename(tmpPath, out.Path); err != nil {
		return types.FetchedFile{}, err
	}
	out.Size = written
	return out, nil
}

// Peers lists known swarm members for infoHash.
func (b *RemoteBackend) Peers(ctx context.Context, infoHash string) (types.PeerList, error) {
	var list types.PeerList
	if err := b.doJSON(ctx, "peers", http.MethodGet, torrentPath(infoHash, "/peers"), nil, &list); err != nil {
		return types.PeerList{}, err
	}
	if list.InfoHash == "" {
		list.InfoHash = infoHash
	}
	return list, nil
}

// AddPeer registers ip:port as a peer for infoHash.
func (b *RemoteBackend) AddPeer(ctx context.Context, infoHash, ip string, port int) error {
	body := map[string]any{"ip": ip, "port": port}
	return b.doJSON(ctx, "add-peer", http.MethodPost, torrentPath(infoHash, "/peers"), body, nil)
}

// Announce forces a tracker announce for infoHash.
func (b *RemoteBackend) Announce(ctx context.Context, infoHash string) error {
	return b.doJSON(ctx, "announce", http.MethodPost, torrentPath(infoHash, "/announce"), nil, nil)
}

// RemoveTorrent stops and removes infoHash.
func (b *RemoteBackend) RemoveTorrent(ctx context.Context, infoHash string) error {
	return b.doJSON(ctx, "remove", http.MethodDelete, torrentPath(infoHash, ""), nil, nil)
}
