// Package httpapi exposes a read-only HTTP view of a registry.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/pratilipi/nameregistry-go/lease"
	"github.com/pratilipi/nameregistry-go/store"
)

// Registry is the subset of *registry.Registry the API reads from.
type Registry interface {
	ListNames(ctx context.Context) ([]string, error)
	Lookup(ctx context.Context, name string) (string, bool, error)
	Leases() []*lease.Lease
}

type Options struct {
	Logger *slog.Logger
	// Metrics is mounted at /metrics when set, typically promhttp.Handler().
	Metrics http.Handler
}

type nameView struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type leaseView struct {
	Name                string    `json:"name"`
	LeaseID             string    `json:"lease_id"`
	State               string    `json:"state"`
	Degraded            bool      `json:"degraded"`
	Lost                bool      `json:"lost"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRenewal         time.Time `json:"last_renewal"`
	Deadline            time.Time `json:"deadline"`
	LastError           string    `json:"last_error,omitempty"`
}

func New(reg Registry, opts Options) *fiber.App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			switch {
			case errors.As(err, &fe):
				code = fe.Code
			case errors.Is(err, lease.ErrInvalidName):
				code = fiber.StatusBadRequest
			case errors.Is(err, store.ErrUnavailable):
				code = fiber.StatusServiceUnavailable
			case errors.Is(err, context.DeadlineExceeded):
				code = fiber.StatusGatewayTimeout
			}
			if code >= fiber.StatusInternalServerError {
				logger.Warn("request failed",
					slog.String("path", c.Path()),
					slog.Int("status", code),
					slog.String("error", err.Error()))
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Get("/names", func(c *fiber.Ctx) error {
		names, err := reg.ListNames(c.UserContext())
		if err != nil {
			return err
		}
		slices.Sort(names)
		if names == nil {
			names = []string{}
		}
		return c.JSON(fiber.Map{"names": names})
	})

	// Names may hold any character, so the rest of the path is the escaped name.
	app.Get("/names/*", func(c *fiber.Ctx) error {
		name, err := url.PathUnescape(c.Params("*"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "malformed name escape")
		}
		addr, found, err := reg.Lookup(c.UserContext(), name)
		if err != nil {
			return err
		}
		if !found {
			return fiber.NewError(fiber.StatusNotFound, "name not registered")
		}
		return c.JSON(nameView{Name: name, Address: addr})
	})

	app.Get("/leases", func(c *fiber.Ctx) error {
		return c.JSON(leaseViews(reg.Leases()))
	})

	// healthz fails while any held lease is degraded or lost.
	app.Get("/healthz", func(c *fiber.Ctx) error {
		var unhealthy []string
		for _, l := range reg.Leases() {
			st := l.Status()
			if st.Degraded || st.Lost {
				unhealthy = append(unhealthy, l.Name())
			}
		}
		if len(unhealthy) > 0 {
			slices.Sort(unhealthy)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "names": unhealthy})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics))
	}

	return app
}

func leaseViews(leases []*lease.Lease) []leaseView {
	views := make([]leaseView, 0, len(leases))
	for _, l := range leases {
		st := l.Status()
		v := leaseView{
			Name:                l.Name(),
			LeaseID:             l.ID(),
			State:               st.State.String(),
			Degraded:            st.Degraded,
			Lost:                st.Lost,
			ConsecutiveFailures: st.ConsecutiveFailures,
			LastRenewal:         st.LastRenewal,
			Deadline:            st.Deadline,
		}
		if st.LastError != nil {
			v.LastError = st.LastError.Error()
		}
		views = append(views, v)
	}
	slices.SortFunc(views, func(a, b leaseView) int { return strings.Compare(a.Name, b.Name) })
	return views
}
