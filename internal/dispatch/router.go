// Package dispatch routes ordered delivery units to the primary chat channel
// and, when configured, mirrors each unit to the CRM channel. Failures are
// isolated per unit and per channel: every unit is attempted exactly once.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// maxMirrorFetch caps how many bytes of a media URL are re-fetched for the
// mirror upload.
const maxMirrorFetch = 16 << 20

// Router fans delivery units out to the primary transport and the mirror.
type Router struct {
	mirror domain.Mirror // nil when no mirror is configured
	client *http.Client
	logger *slog.Logger
}

// NewRouter creates a router. mirror may be nil.
func NewRouter(mirror domain.Mirror, logger *slog.Logger) *Router {
	return &Router{
		mirror: mirror,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

// Dispatch sends units in order to the primary transport and mirrors each one
// when a mirror conversation ref is available. A failure on one unit or one
// channel is logged and never aborts the remaining units. The returned error
// is non-nil only when the primary channel failed for every unit, which marks
// the whole turn as failed.
func (r *Router) Dispatch(ctx context.Context, primary domain.Transport, chatID, mirrorRef string, units []domain.DeliveryUnit) error {
	if len(units) == 0 {
		return nil
	}

	primaryFailures := 0
	for _, u := range units {
		if err := r.sendPrimary(ctx, primary, chatID, u); err != nil {
			primaryFailures++
			metrics.DispatchFailures.Inc()
			r.logger.Error("primary delivery failed",
				"channel", primary.Name(), "chat", chatID, "media", u.IsMedia(), "err", err)
		}
		if r.mirror != nil && mirrorRef != "" {
			r.sendMirror(ctx, mirrorRef, u)
		}
	}

	if primaryFailures == len(units) {
		return fmt.Errorf("primary channel %s rejected all %d units", primary.Name(), len(units))
	}
	return nil
}

func (r *Router) sendPrimary(ctx context.Context, primary domain.Transport, chatID string, u domain.DeliveryUnit) error {
	if u.IsMedia() {
		return primary.SendMedia(ctx, chatID, u.URL, u.Kind, u.Caption)
	}
	return primary.SendText(ctx, chatID, u.Text)
}

// sendMirror copies one unit to the CRM conversation. Media is re-fetched and
// re-uploaded as bytes since the mirror accepts no bare URLs. All failures
// are logged and swallowed: the mirror never alters primary delivery.
func (r *Router) sendMirror(ctx context.Context, mirrorRef string, u domain.DeliveryUnit) {
	if !u.IsMedia() {
		if err := r.mirror.SendText(ctx, mirrorRef, u.Text, domain.DirOutgoing); err != nil {
			metrics.MirrorFailures.Inc()
			r.logger.Warn("mirror text failed", "conversation", mirrorRef, "err", err)
		}
		return
	}

	data, filename, err := r.fetchMedia(ctx, u.URL)
	if err != nil {
		metrics.MirrorFailures.Inc()
		r.logger.Warn("mirror media fetch failed", "url", u.URL, "err", err)
		return
	}
	if err := r.mirror.SendAttachment(ctx, mirrorRef, data, filename, domain.DirOutgoing); err != nil {
		metrics.MirrorFailures.Inc()
		r.logger.Warn("mirror attachment failed", "conversation", mirrorRef, "url", u.URL, "err", err)
	}
}

func (r *Router) fetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMirrorFetch))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return data, filenameFor(url), nil
}

// filenameFor derives an upload filename from the URL path.
func filenameFor(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "attachment"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	return name
}
