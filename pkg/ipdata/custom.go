package ipdata

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/gtriggiano/netwatchz/pkg/fetch"
)

// Field names accepted as keys of CustomConfig.Fields.
const (
	FieldCountry     = "country"
	FieldCountryCode = "countryCode"
	FieldRegionName  = "regionName"
	FieldRegionCode  = "regionCode"
	FieldRegion      = "region"
	FieldCity        = "city"
	FieldLat         = "lat"
	FieldLon         = "lon"
	FieldTimezone    = "timezone"
	FieldISP         = "isp"
	FieldOrg         = "org"
	FieldASN         = "asn"
	FieldIP          = "ip"
)

var knownFields = map[string]struct{}{
	FieldCountry: {}, FieldCountryCode: {}, FieldRegionName: {}, FieldRegionCode: {}, FieldRegion: {},
	FieldCity: {}, FieldLat: {}, FieldLon: {}, FieldTimezone: {}, FieldISP: {}, FieldOrg: {},
	FieldASN: {}, FieldIP: {},
}

// CustomConfig describes a user-defined JSON provider.
type CustomConfig struct {
	// URL is the endpoint; %ip% is substituted, otherwise the address is appended.
	URL string `yaml:"url"`
	// Headers are sent with every request (e.g. API keys).
	Headers map[string]string `yaml:"headers"`
	// Fields maps IPData field names to dot paths in the response (e.g. "location.country.code").
	Fields map[string]string `yaml:"fields"`
	// SuccessField optionally names a boolean path; false means "no data".
	SuccessField string `yaml:"successField"`
}

// Validate checks the endpoint and field mapping.
func (c *CustomConfig) Validate() error {
	if c == nil {
		return errors.New("custom provider configuration is required")
	}
	if c.URL == "" {
		return errors.New("custom.url is required")
	}
	if len(c.Fields) == 0 {
		return errors.New("custom.fields must map at least one field")
	}
	for name, path := range c.Fields {
		if _, ok := knownFields[name]; !ok {
			return fmt.Errorf("custom.fields: unknown field %q", name)
		}
		if path == "" {
			return fmt.Errorf("custom.fields.%s: path is empty", name)
		}
	}
	return nil
}

// NewCustom returns a provider driven entirely by configuration.
func NewCustom(cfg CustomConfig, upstream fetch.ClientConfig, deps Deps) Provider {
	return newHTTPProvider(ProviderCustom, cfg.URL, cfg.Headers, upstream, customParser(cfg), deps)
}

func customParser(cfg CustomConfig) parseFunc {
	fields := cfg.Fields
	successPath := cfg.SuccessField

	return func(body []byte) (*IPData, error) {
		if !gjson.ValidBytes(body) {
			return nil, errors.New("response is not valid JSON")
		}
		root := gjson.ParseBytes(body)
		if !root.IsObject() {
			return nil, errors.New("response is not a JSON object")
		}

		if successPath != "" {
			success := root.Get(successPath)
			if success.Exists() && success.Type == gjson.False {
				return nil, nil
			}
		}

		data := &IPData{}
		var err error
		str := func(name string, dst *string) {
			if err != nil {
				return
			}
			path, ok := fields[name]
			if !ok {
				return
			}
			*dst, err = stringAt(root, name, path)
		}
		num := func(name string, dst **float64) {
			if err != nil {
				return
			}
			path, ok := fields[name]
			if !ok {
				return
			}
			*dst, err = floatAt(root, name, path)
		}

		str(FieldCountry, &data.Country)
		str(FieldCountryCode, &data.CountryCode)
		str(FieldRegionName, &data.RegionName)
		str(FieldRegion, &data.RegionCode)
		str(FieldRegionCode, &data.RegionCode)
		str(FieldCity, &data.City)
		num(FieldLat, &data.Lat)
		num(FieldLon, &data.Lon)
		str(FieldTimezone, &data.Timezone)
		str(FieldISP, &data.ISP)
		str(FieldOrg, &data.Org)
		str(FieldASN, &data.ASN)
		str(FieldIP, &data.IP)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}

// stringAt reads a string (or a number, kept verbatim) at path. Missing or null values
// are reported as empty.
func stringAt(root gjson.Result, name, path string) (string, error) {
	v := root.Get(path)
	switch v.Type {
	case gjson.Null:
		return "", nil
	case gjson.String:
		return v.Str, nil
	case gjson.Number:
		return v.Raw, nil
	default:
		return "", fmt.Errorf("field %s at %q is not a string", name, path)
	}
}

// floatAt reads a number (or a numeric string) at path. Missing or null values are
// reported as nil.
func floatAt(root gjson.Result, name, path string) (*float64, error) {
	v := root.Get(path)
	switch v.Type {
	case gjson.Null:
		return nil, nil
	case gjson.Number:
		f := v.Num
		return &f, nil
	case gjson.String:
		f, err := strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s at %q is not numeric: %w", name, path, err)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("field %s at %q is not numeric", name, path)
	}
}
