package ipdata

import (
	"errors"

	"github.com/goccy/go-json"

	"github.com/gtriggiano/netwatchz/pkg/fetch"
)

const (
	IPAPIURL   = "http://ip-api.com/json/"
	IPWhoisURL = "https://ipwhois.app/json/"

	// ipAPIFreeRequestsPerMinute is the documented limit of the free ip-api.com endpoint.
	ipAPIFreeRequestsPerMinute = 45
)

// ipAPIResponse is the body returned by ip-api.com.
type ipAPIResponse struct {
	Status      string   `json:"status"`
	Message     string   `json:"message"`
	Country     string   `json:"country"`
	CountryCode string   `json:"countryCode"`
	RegionName  string   `json:"regionName"`
	Region      string   `json:"region"`
	City        string   `json:"city"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	Timezone    string   `json:"timezone"`
	ISP         string   `json:"isp"`
	Org         string   `json:"org"`
	AS          string   `json:"as"`
	Query       string   `json:"query"`
}

// NewIPAPI returns the ip-api.com provider. baseURL defaults to IPAPIURL. Without an
// explicit pace, requests are limited to the free tier allowance.
func NewIPAPI(baseURL string, upstream fetch.ClientConfig, deps Deps) Provider {
	if baseURL == "" {
		baseURL = IPAPIURL
	}
	if upstream.RequestsPerMinute == 0 {
		upstream.RequestsPerMinute = ipAPIFreeRequestsPerMinute
	}
	return newHTTPProvider(ProviderIPAPI, baseURL, nil, upstream, parseIPAPI, deps)
}

func parseIPAPI(body []byte) (*IPData, error) {
	var resp ipAPIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "" {
		return nil, errors.New("response has no status field")
	}
	if resp.Status != "success" {
		return nil, nil
	}
	return &IPData{
		Country:     resp.Country,
		CountryCode: resp.CountryCode,
		RegionName:  resp.RegionName,
		RegionCode:  resp.Region,
		City:        resp.City,
		Lat:         resp.Lat,
		Lon:         resp.Lon,
		Timezone:    resp.Timezone,
		ISP:         resp.ISP,
		Org:         resp.Org,
		ASN:         resp.AS,
		IP:          resp.Query,
	}, nil
}

// ipWhoisResponse is the body returned by ipwhois.app.
type ipWhoisResponse struct {
	Success     *bool    `json:"success"`
	Message     string   `json:"message"`
	IP          string   `json:"ip"`
	Country     string   `json:"country"`
	CountryCode string   `json:"country_code"`
	Region      string   `json:"region"`
	City        string   `json:"city"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Timezone    string   `json:"timezone"`
	ISP         string   `json:"isp"`
	Org         string   `json:"org"`
	ASN         string   `json:"asn"`
}

// NewIPWhois returns the ipwhois.app provider. baseURL defaults to IPWhoisURL.
func NewIPWhois(baseURL string, upstream fetch.ClientConfig, deps Deps) Provider {
	if baseURL == "" {
		baseURL = IPWhoisURL
	}
	return newHTTPProvider(ProviderIPWhois, baseURL, nil, upstream, parseIPWhois, deps)
}

func parseIPWhois(body []byte) (*IPData, error) {
	var resp ipWhoisResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Success == nil {
		return nil, errors.New("response has no success field")
	}
	if !*resp.Success {
		return nil, nil
	}
	// ipwhois exposes a single region value, used for both name and code.
	return &IPData{
		Country:     resp.Country,
		CountryCode: resp.CountryCode,
		RegionName:  resp.Region,
		RegionCode:  resp.Region,
		City:        resp.City,
		Lat:         resp.Latitude,
		Lon:         resp.Longitude,
		Timezone:    resp.Timezone,
		ISP:         resp.ISP,
		Org:         resp.Org,
		ASN:         resp.ASN,
		IP:          resp.IP,
	}, nil
}
