package peers

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

// Parse reads a comma separated peer list. Entries are "address=url" or a
// bare url. Duplicate urls are dropped, order is kept.
func Parse(raw ...string) ([]domain.Validator, error) {
	var (
		out  []domain.Validator
		seen = map[string]struct{}{}
	)
	for _, token := range raw {
		for _, entry := range strings.Split(token, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			var v domain.Validator
			if address, rawURL, ok := strings.Cut(entry, "="); ok {
				v = domain.Validator{Address: strings.TrimSpace(address), URL: strings.TrimSpace(rawURL)}
			} else {
				v = domain.Validator{URL: entry}
			}
			u, err := url.Parse(v.URL)
			if err != nil {
				return nil, errors.Wrapf(err, "peer %q", entry)
			}
			if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
				return nil, errors.Errorf("peer %q: url must be http(s)://host", entry)
			}
			v.URL = strings.TrimRight(v.URL, "/")
			if _, ok := seen[v.URL]; ok {
				continue
			}
			seen[v.URL] = struct{}{}
			out = append(out, v)
		}
	}

	return out, nil
}
