package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

var log = logrus.WithField("prefix", "pool")

var (
	pendingVotes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "validator",
		Name:      "slash_votes_pending",
		Help:      "Slash votes waiting to be published.",
	})
	publishedVotes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "validator",
		Name:      "slash_votes_published_total",
		Help:      "Slash votes handed to the voting sink.",
	})
)

// HTTPPublisher posts vote batches as a JSON array.
type HTTPPublisher struct {
	url    string
	client *http.Client
}

func NewHTTPPublisher(url string, client *http.Client) *HTTPPublisher {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPPublisher{url: url, client: client}
}

func (h *HTTPPublisher) Publish(ctx context.Context, votes []domain.SlashVote) error {
	body, err := json.Marshal(votes)
	if err != nil {
		return errors.Wrap(err, "Marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "NewRequest")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Do")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("vote sink answered %d", resp.StatusCode)
	}

	return nil
}

// LogPublisher only logs votes. It is used when no vote sink is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, votes []domain.SlashVote) error {
	for _, v := range votes {
		log.WithFields(logrus.Fields{
			"bundler":       v.Bundler,
			"txID":          v.TxID,
			"blockPromised": v.BlockPromised,
			"blockActual":   v.BlockActual,
		}).Info("Slash vote")
	}

	return nil
}
