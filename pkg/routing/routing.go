// Package routing implements the routing stage: resolve
// which data centers serve a channel filter, in one of three modes
// (explicit URL, IRIS, EIDA), with a validator closure built from the
// EIDA response and a DB fallback when the routing service itself is
// unreachable.
package routing

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/quakewatch/seisdl/internal/wildcard"
	"github.com/quakewatch/seisdl/pkg/errs"
	"github.com/quakewatch/seisdl/pkg/fetch"
	"github.com/quakewatch/seisdl/pkg/model"
)

const (
	ModeExplicit = "explicit"
	ModeIRIS     = "iris"
	ModeEIDA     = "eida"
)

// irisDataselectURL and irisStationURL are IRIS's well-known FDSN
// endpoints.
const (
	irisDataselectURL = "https://service.iris.edu/fdsnws/dataselect/1/query"
	irisStationURL    = "https://service.iris.edu/fdsnws/station/1/query"
)

// eidaRoutingURL is a var, not a const, so tests can point it at a stub
// routing service.
var eidaRoutingURL = "https://www.orfeus-eu.org/eidaws/routing/1/query"

// Validator answers whether (dataCenterURL, net, sta, loc, cha) is a
// known route, keyed by the data center's dataselect URL rather than
// its surrogate id: the validator is built from the EIDA response
// before persistDataCenters has run, so a DataCenter's real id doesn't exist yet at
// build time and can't be used as the key. The URL is stable across
// that boundary. Nil means "no validator" (modes 1 and 2 never
// produce one).
type Validator func(dataCenterURL string, net, sta, loc, cha string) bool

// Request describes one routing resolution.
type Request struct {
	Mode          string // ModeExplicit, ModeIRIS or ModeEIDA
	ExplicitURL   string // required when Mode == ModeExplicit
	ChannelFilter string // comma-separated FDSN channel tokens, e.g. "BH?,HH?"
	Start, End    time.Time

	// ExistingDataCenters is consulted as a fallback when the routing
	// service request fails.
	ExistingDataCenters []model.DataCenter
}

// Result is the routing stage's output.
type Result struct {
	DataCenters []model.DataCenter
	Validator   Validator
	// FellBackToDB is true when the routing service failed and
	// ExistingDataCenters were returned instead.
	FellBackToDB bool
}

// Resolve executes the routing stage.
func Resolve(ctx context.Context, logger log.Logger, fetcher *fetch.Fetcher, req Request) (Result, error) {
	switch req.Mode {
	case ModeExplicit:
		dc, err := explicitDataCenter(req.ExplicitURL)
		if err != nil {
			return Result{}, errs.NewTerminal("resolve explicit routing URL", err)
		}
		return Result{DataCenters: []model.DataCenter{dc}}, nil

	case ModeIRIS:
		return Result{DataCenters: []model.DataCenter{{
			StationURL:       irisStationURL,
			DataselectURL:    irisDataselectURL,
			OrganizationName: model.OrgIRIS,
		}}}, nil

	case ModeEIDA:
		return resolveEIDA(ctx, logger, fetcher, req)

	default:
		return Result{}, errs.NewTerminal(fmt.Sprintf("unknown routing mode %q", req.Mode), nil)
	}
}

func resolveEIDA(ctx context.Context, logger log.Logger, fetcher *fetch.Fetcher, req Request) (Result, error) {
	body := buildRoutingBody(req)

	results := fetcher.Fetch(ctx, []fetch.Request{{
		Tag:    "routing",
		Method: "POST",
		URL:    eidaRoutingURL,
		Body:   []byte(body),
	}})
	res := <-results

	if errs.IsTerminal(res.Err) {
		return Result{}, res.Err
	}

	if res.Err != nil || res.StatusCode >= 400 {
		if len(req.ExistingDataCenters) > 0 {
			level.Warn(logger).Log("msg", "routing service unavailable, falling back to known data centers",
				"err", res.Err, "status", res.StatusCode, "known_dcs", len(req.ExistingDataCenters))
			return Result{DataCenters: req.ExistingDataCenters, FellBackToDB: true}, nil
		}
		return Result{}, errs.NewTerminal("routing service unavailable and no prior data centers in DB", res.Err)
	}

	dcs, routes := parseEIDAResponse(res.Body)
	if len(dcs) == 0 {
		if len(req.ExistingDataCenters) > 0 {
			level.Warn(logger).Log("msg", "routing service returned no data centers, falling back to DB")
			return Result{DataCenters: req.ExistingDataCenters, FellBackToDB: true}, nil
		}
		return Result{}, errs.NewTerminal("routing service returned no data centers", nil)
	}

	validator := buildValidator(routes)
	return Result{DataCenters: dcs, Validator: validator}, nil
}

func buildRoutingBody(req Request) string {
	var b strings.Builder
	b.WriteString("service=dataselect\nformat=post\n")
	// Negated tokens stay client-side; only positive ones are sent.
	sel, _ := wildcard.ParseSelection(req.ChannelFilter)
	if toks := sel.PositiveTokens(); len(toks) > 0 {
		fmt.Fprintf(&b, "channel=%s\n", strings.Join(toks, ","))
	}
	fmt.Fprintf(&b, "start=%s\nend=%s\n", req.Start.UTC().Format(time.RFC3339), req.End.UTC().Format(time.RFC3339))
	return b.String()
}

type route struct {
	dataCenterURL      string
	net, sta, loc, cha string
}

// parseEIDAResponse parses the blank-line-separated block format of
// the routing service: first non-blank line of each block is the
// dataselect URL,
// subsequent lines are "NET STA LOC CHA START END" rows.
func parseEIDAResponse(body []byte) ([]model.DataCenter, []route) {
	var dcs []model.DataCenter
	var routes []route
	seen := make(map[string]struct{})

	for _, block := range strings.Split(string(body), "\n\n") {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) == 0 || lines[0] == "" {
			continue
		}
		dataselectURL := strings.TrimSpace(lines[0])
		if _, ok := seen[dataselectURL]; !ok {
			seen[dataselectURL] = struct{}{}
			stationURL, err := rewriteURL(dataselectURL, "dataselect", "station")
			if err != nil {
				continue
			}
			dcs = append(dcs, model.DataCenter{
				StationURL:       stationURL,
				DataselectURL:    dataselectURL,
				OrganizationName: model.OrgEIDA,
			})
		}
		for _, line := range lines[1:] {
			fields := strings.Fields(line)
			if len(fields) < 4 {
				continue
			}
			routes = append(routes, route{
				dataCenterURL: dataselectURL,
				net:           fields[0],
				sta:           fields[1],
				loc:           fields[2],
				cha:           fields[3],
			})
		}
	}

	return dcs, routes
}

func buildValidator(routes []route) Validator {
	type key struct {
		url                string
		net, sta, loc, cha string
	}
	allowed := make(map[key]struct{}, len(routes))
	for _, r := range routes {
		allowed[key{r.dataCenterURL, r.net, r.sta, r.loc, r.cha}] = struct{}{}
	}
	return func(dataCenterURL string, net, sta, loc, cha string) bool {
		_, ok := allowed[key{dataCenterURL, net, sta, loc, cha}]
		return ok
	}
}

func explicitDataCenter(rawURL string) (model.DataCenter, error) {
	stationURL, err := rewriteURL(rawURL, "", "station")
	if err != nil {
		return model.DataCenter{}, err
	}
	dataselectURL, err := rewriteURL(rawURL, "", "dataselect")
	if err != nil {
		return model.DataCenter{}, err
	}
	return model.DataCenter{StationURL: stationURL, DataselectURL: dataselectURL, OrganizationName: model.OrgOther}, nil
}

var fdsnURLPattern = regexp.MustCompile(`^(.*?/fdsnws/)(dataselect|station)(/[^/]+)(/.*)?$`)

// rewriteURL implements the FDSN URL normalization rule: from any URL
// matching SCHEME://HOST/fdsnws/{dataselect|station}/VERSION[/query],
// derive the sibling service by swapping the segment name. If from is
// "", the source service segment is detected rather than assumed.
func rewriteURL(rawURL, from, to string) (string, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return "", errors.Wrap(err, "parse FDSN URL")
	}
	m := fdsnURLPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", errors.Errorf("URL %q does not match the FDSN pattern .../fdsnws/{dataselect|station}/VERSION[/query]", rawURL)
	}
	if from != "" && m[2] != from {
		return "", errors.Errorf("URL %q is not a %s service URL", rawURL, from)
	}
	tail := m[4]
	if tail == "" {
		tail = "/query"
	}
	return m[1] + to + m[3] + tail, nil
}
