// Package output decides which property payloads become records and what those records contain.
package output

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"homecrawler/internal/planner"
	"homecrawler/pkg/types"
)

const siteOrigin = "https://www.zillow.com"

// Transform enriches a shaped record. raw is the backend payload. Returning a nil record drops
// it; returning an error keeps the shaped record unchanged.
type Transform func(ctx context.Context, raw, record types.Record) (types.Record, error)

// Options configures a Mapper.
type Options struct {
	Simple bool
	Type   planner.ResultType
	// IgnoreType disables the status check, used when crawling user-supplied start URLs.
	IgnoreType bool
	Window     DateWindow
	Transform  Transform
	Logger     *slog.Logger
}

// Reason says why a payload was rejected.
type Reason string

const (
	Accepted      Reason = ""
	MissingID     Reason = "missing id"
	OutsideWindow Reason = "posted outside date window"
	WrongStatus   Reason = "status does not match type"
	Dropped       Reason = "dropped by transform"
)

// Mapper filters and shapes property payloads.
type Mapper struct {
	opts       Options
	attributes []string
	logger     *slog.Logger
}

// NewMapper builds a Mapper.
func NewMapper(opts Options) *Mapper {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := fullAttributes
	if opts.Simple {
		attrs = simpleAttributes
	}
	return &Mapper{opts: opts, attributes: attrs, logger: logger.With("component", "output")}
}

// Accept applies the id, date window and status checks to a raw payload.
func (m *Mapper) Accept(raw types.Record) Reason {
	if raw == nil || isEmpty(raw["zpid"]) {
		return MissingID
	}
	if !m.opts.Window.Contains(raw["datePosted"]) {
		return OutsideWindow
	}
	if m.opts.IgnoreType {
		return Accepted
	}
	status, _ := raw["homeStatus"].(string)
	switch m.opts.Type {
	case planner.TypeSale:
		if status != "FOR_SALE" {
			return WrongStatus
		}
	case planner.TypeFSBO:
		keystone, _ := raw["keystoneHomeStatus"].(string)
		if status != "FOR_SALE" || keystone != "ForSaleByOwner" {
			return WrongStatus
		}
	case planner.TypeRent:
		if status != "FOR_RENT" {
			return WrongStatus
		}
	case planner.TypeSold:
		if !strings.Contains(status, "SOLD") {
			return WrongStatus
		}
	}
	return Accepted
}

// Shape copies the whitelisted attributes, turning hdpUrl into an absolute url and hugePhotos
// into a list of photo urls.
func (m *Mapper) Shape(raw types.Record) types.Record {
	out := make(types.Record, len(m.attributes))
	for _, key := range m.attributes {
		if v, ok := raw[key]; ok && !isEmpty(v) {
			out[key] = v
		}
	}
	if hdp, ok := out["hdpUrl"].(string); ok {
		out["url"] = siteOrigin + hdp
		delete(out, "hdpUrl")
	}
	if photos, ok := out["hugePhotos"].([]any); ok {
		urls := make([]any, 0, len(photos))
		for _, p := range photos {
			if obj, ok := p.(map[string]any); ok {
				urls = append(urls, obj["url"])
			}
		}
		out["photos"] = urls
		delete(out, "hugePhotos")
	}
	return out
}

// Map runs Accept, Shape and the Transform hook. A non-empty Reason means no record.
func (m *Mapper) Map(ctx context.Context, raw types.Record) (types.Record, Reason) {
	if reason := m.Accept(raw); reason != Accepted {
		return nil, reason
	}
	record := m.Shape(raw)
	if m.opts.Transform == nil {
		return record, Accepted
	}
	enriched, err := m.transform(ctx, raw, record)
	if err != nil {
		m.logger.Warn("transform failed, keeping base record", "zpid", raw["zpid"], "error", err)
		return record, Accepted
	}
	if enriched == nil {
		return nil, Dropped
	}
	return enriched, Accepted
}

// transform runs the hook on copies of the payload and record. A panic in the hook is reported as
// an error.
func (m *Mapper) transform(ctx context.Context, raw, record types.Record) (enriched types.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			enriched, err = nil, fmt.Errorf("transform panicked: %v", r)
		}
	}()
	return m.opts.Transform(ctx, raw.Clone(), record.Clone())
}

// isEmpty mirrors the falsy check used on payload attributes.
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case float64:
		return x == 0
	case int:
		return x == 0
	case int64:
		return x == 0
	}
	return false
}

var simpleAttributes = []string{
	"address", "bedrooms", "bathrooms", "price", "yearBuilt", "longitude", "homeStatus",
	"latitude", "description", "livingArea", "currency", "hdpUrl", "hugePhotos",
}

var fullAttributes = []string{
	"datePosted", "isZillowOwned", "priceHistory", "zpid", "homeStatus", "address", "bedrooms",
	"bathrooms", "price", "yearBuilt", "isPremierBuilder", "longitude", "latitude", "description",
	"primaryPublicVideo", "tourViewCount", "postingContact", "unassistedShowing", "livingArea",
	"currency", "homeType", "comingSoonOnMarketDate", "timeZone", "hdpUrl", "newConstructionType",
	"moveInReady", "moveInCompletionDate", "hugePhotos", "lastSoldPrice", "contingentListingType",
	"zestimate", "zestimateLowPercent", "zestimateHighPercent", "rentZestimate",
	"restimateLowPercent", "restimateHighPercent", "solarPotential", "brokerId", "parcelId",
	"homeFacts", "taxAssessedValue", "taxAssessedYear", "isPreforeclosureAuction",
	"listingProvider", "marketingName", "building", "priceChange", "datePriceChanged", "dateSold",
	"lotSize", "hoaFee", "mortgageRates", "propertyTaxRate", "whatILove", "isFeatured",
	"isListedByOwner", "isCommunityPillar", "pageViewCount", "favoriteCount", "openHouseSchedule",
	"brokerageName", "taxHistory", "abbreviatedAddress", "ownerAccount", "isRecentStatusChange",
	"isNonOwnerOccupied", "buildingId", "daysOnZillow", "rentalApplicationsAcceptedType",
	"buildingPermits", "highlights", "tourEligibility",
}
