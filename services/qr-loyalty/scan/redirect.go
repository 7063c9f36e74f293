package scan

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"qrloyalty/services/qr-loyalty/models"
)

// Tracking parameter values appended to every redirect.
const (
	UTMSource = "qr_code"
	UTMMedium = "scan"
)

// ErrNoStorefront is returned when a relative destination cannot be
// anchored to a storefront.
var ErrNoStorefront = errors.New("scan: storefront url not configured")

type redirectBuilder func(storefront *url.URL, destination string) (*url.URL, error)

var redirectBuilders = map[string]redirectBuilder{
	models.QRTypeProduct:    storefrontPath("products"),
	models.QRTypeCollection: storefrontPath("collections"),
	models.QRTypeDiscount:   storefrontPath("discount"),
	models.QRTypeCheckout:   storefrontPath("cart"),
	models.QRTypeLink:       literalLink,
	models.QRTypeLoyalty:    loyaltyLanding,
}

// BuildRedirect returns the destination URL for qr with tracking parameters
// appended. storefront anchors handles and relative paths.
func BuildRedirect(qr models.QRCode, storefront string) (string, error) {
	build, ok := redirectBuilders[strings.ToLower(qr.Type)]
	if !ok {
		build = literalLink
	}
	var base *url.URL
	if s := strings.TrimSpace(storefront); s != "" {
		parsed, err := url.Parse(strings.TrimRight(s, "/"))
		if err != nil {
			return "", fmt.Errorf("scan: storefront url: %w", err)
		}
		base = parsed
	}
	target, err := build(base, strings.TrimSpace(qr.Destination))
	if err != nil {
		return "", err
	}
	q := target.Query()
	q.Set("utm_source", UTMSource)
	q.Set("utm_medium", UTMMedium)
	if qr.Slug != "" {
		q.Set("utm_campaign", qr.Slug)
	}
	q.Set("qr_id", qr.ID.String())
	target.RawQuery = q.Encode()
	return target.String(), nil
}

func absolute(destination string) (*url.URL, bool) {
	u, err := url.Parse(destination)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, false
	}
	return u, true
}

func relative(base *url.URL, path string) (*url.URL, error) {
	if base == nil {
		return nil, ErrNoStorefront
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("scan: destination: %w", err)
	}
	return base.ResolveReference(ref), nil
}

// storefrontPath treats a bare destination as a handle under /<segment>/.
func storefrontPath(segment string) redirectBuilder {
	return func(base *url.URL, destination string) (*url.URL, error) {
		if u, ok := absolute(destination); ok {
			return u, nil
		}
		if destination == "" {
			return nil, fmt.Errorf("scan: %s destination is empty", segment)
		}
		if strings.HasPrefix(destination, "/") {
			return relative(base, destination)
		}
		return relative(base, "/"+segment+"/"+url.PathEscape(destination))
	}
}

func literalLink(base *url.URL, destination string) (*url.URL, error) {
	if u, ok := absolute(destination); ok {
		return u, nil
	}
	if destination == "" {
		return nil, errors.New("scan: link destination is empty")
	}
	return relative(base, "/"+strings.TrimLeft(destination, "/"))
}

func loyaltyLanding(base *url.URL, destination string) (*url.URL, error) {
	if destination == "" {
		return relative(base, "/")
	}
	return literalLink(base, destination)
}
