package acquire

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rjboer/tracecap/internal/logging"
	"github.com/rjboer/tracecap/internal/scpi"
)

const (
	identityQuery   = "*IDN?"
	displayQuery    = ":%s:DISP?"
	sampleRateQuery = ":ACQ:SRAT?"
)

// Identity markers of the supported instrument family.
const (
	DefaultVendorMarker = "RIGOL TECHNOLOGIES"
	DefaultModelMarker  = "DS1"
)

// DefaultChannels is the fixed candidate ordering checked at startup.
var DefaultChannels = []string{"CHAN1", "CHAN2", "CHAN3", "CHAN4"}

// ErrIdentityMismatch is returned when *IDN? does not name a supported scope.
var ErrIdentityMismatch = errors.New("instrument is not a supported Rigol oscilloscope")

// Querier sends a query and returns its trimmed answer.
type Querier interface {
	Query(ctx context.Context, cmd string) (string, error)
}

// Identity is the parsed *IDN? answer.
type Identity struct {
	Raw      string
	Vendor   string
	Model    string
	Serial   string
	Firmware string
}

// ParseIdentity splits "vendor,model,serial,firmware". Missing parts stay empty.
func ParseIdentity(s string) Identity {
	id := Identity{Raw: strings.TrimSpace(s)}
	parts := strings.SplitN(id.Raw, ",", 4)
	fields := []*string{&id.Vendor, &id.Model, &id.Serial, &id.Firmware}
	for i, p := range parts {
		*fields[i] = strings.TrimSpace(p)
	}
	return id
}

// ValidateIdentity requires both markers to appear in the raw identity.
func ValidateIdentity(raw, vendorMarker, modelMarker string) error {
	if !strings.Contains(raw, vendorMarker) || !strings.Contains(raw, modelMarker) {
		return fmt.Errorf("%w (%s)", ErrIdentityMismatch, raw)
	}
	return nil
}

// ChannelSet is the ordered list of channels found enabled at startup.
type ChannelSet []string

func (c ChannelSet) String() string { return strings.Join(c, ",") }

// DiscoveryConfig names the expected instrument and candidate channels.
type DiscoveryConfig struct {
	VendorMarker string
	ModelMarker  string
	Candidates   []string
}

// DefaultDiscoveryConfig targets DS1000Z-class scopes with four channels.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		VendorMarker: DefaultVendorMarker,
		ModelMarker:  DefaultModelMarker,
		Candidates:   append([]string(nil), DefaultChannels...),
	}
}

// Discovery is what the instrument reported at startup.
type Discovery struct {
	Identity   Identity
	Channels   ChannelSet
	SampleRate float64
}

// Discover validates the instrument identity, finds displayed channels and
// reads the sample rate. An identity mismatch returns before any other
// command is sent.
func Discover(ctx context.Context, q Querier, cfg DiscoveryConfig, log logging.Logger) (Discovery, error) {
	if log == nil {
		log = logging.Default()
	}

	raw, err := q.Query(ctx, identityQuery)
	if err != nil {
		return Discovery{}, fmt.Errorf("identify instrument: %w", err)
	}
	if err := ValidateIdentity(raw, cfg.VendorMarker, cfg.ModelMarker); err != nil {
		return Discovery{}, err
	}
	d := Discovery{Identity: ParseIdentity(raw)}
	log.Info("instrument identified",
		logging.Field{Key: "vendor", Value: d.Identity.Vendor},
		logging.Field{Key: "model", Value: d.Identity.Model},
		logging.Field{Key: "serial", Value: d.Identity.Serial},
		logging.Field{Key: "firmware", Value: d.Identity.Firmware},
	)

	for _, ch := range cfg.Candidates {
		resp, err := q.Query(ctx, fmt.Sprintf(displayQuery, ch))
		if err != nil {
			return Discovery{}, fmt.Errorf("query %s display: %w", ch, err)
		}
		if resp == "1" {
			d.Channels = append(d.Channels, ch)
		}
	}
	log.Info("channels enabled", logging.Field{Key: "channels", Value: d.Channels.String()})

	resp, err := q.Query(ctx, sampleRateQuery)
	if err != nil {
		return Discovery{}, fmt.Errorf("query sample rate: %w", err)
	}
	if d.SampleRate, err = strconv.ParseFloat(resp, 64); err != nil {
		return Discovery{}, scpi.Malformed("query", sampleRateQuery, err)
	}
	log.Info("sample rate", logging.Field{Key: "hz", Value: d.SampleRate})

	return d, nil
}
