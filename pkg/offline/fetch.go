package offline

import (
	"context"
	"embed"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

//go:embed seed/*.po
var seedFS embed.FS

const seedScheme = "seed://"

// hasSeed reports whether a bundled catalog exists for pair.
func hasSeed(pair string) bool {
	f, err := seedFS.Open("seed/" + pair + ".po")
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// Fetcher copies a model artifact from source into w.
type Fetcher interface {
	Fetch(ctx context.Context, source string, w io.Writer) error
}

// DefaultFetcher understands http(s) URLs, file:// URLs, plain paths and
// seed:// references to the bundled catalogs.
type DefaultFetcher struct {
	Client *http.Client
}

func (f DefaultFetcher) Fetch(ctx context.Context, source string, w io.Writer) error {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return f.fetchHTTP(ctx, source, w)
	case strings.HasPrefix(source, seedScheme):
		r, err := seedFS.Open("seed/" + strings.TrimPrefix(source, seedScheme))
		if err != nil {
			return fmt.Errorf("open bundled model: %w", err)
		}
		defer r.Close()
		_, err = io.Copy(w, r)
		return err
	default:
		r, err := os.Open(strings.TrimPrefix(source, "file://"))
		if err != nil {
			return fmt.Errorf("open model file: %w", err)
		}
		defer r.Close()
		_, err = io.Copy(w, r)
		return err
	}
}

func (f DefaultFetcher) fetchHTTP(ctx context.Context, url string, w io.Writer) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: status %d", resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download body: %w", err)
	}
	return nil
}
