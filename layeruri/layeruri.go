// Package layeruri builds the locators the Navigator app fetches layers
// from: one stored layer by id, or several merged by the aggregate route.
package layeruri

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hazyhaar/navexport/horosafe"
)

// ErrNoIDs is returned when no layer id is given.
var ErrNoIDs = errors.New("layeruri: no layer ids")

// AggregatePath is the route segment that merges several layers.
const AggregatePath = "aggregate"

// FileURI returns <base>/<id>.
func FileURI(base, id string) (string, error) {
	u, err := parseBase(base)
	if err != nil {
		return "", err
	}
	if err := validate(id); err != nil {
		return "", err
	}
	u.Path = joinPath(u.Path, id)
	u.RawQuery = ""
	return u.String(), nil
}

// AggregateURI returns <base>/aggregate?id=a&id=b&<filters>. When ids is
// empty the filters alone select the layers, but at least one of them
// must be present.
func AggregateURI(base string, ids []string, filters url.Values) (string, error) {
	if len(ids) == 0 && len(filters) == 0 {
		return "", ErrNoIDs
	}
	u, err := parseBase(base)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	for _, id := range ids {
		if err := validate(id); err != nil {
			return "", err
		}
		q.Add("id", id)
	}
	for k, vs := range filters {
		if k == "id" {
			return "", fmt.Errorf("layeruri: filter %q clashes with ids", k)
		}
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.Path = joinPath(u.Path, AggregatePath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ForIDs picks the single-file route for one id and the aggregate route
// for several.
func ForIDs(base string, ids []string) (string, error) {
	switch len(ids) {
	case 0:
		return "", ErrNoIDs
	case 1:
		return FileURI(base, ids[0])
	default:
		return AggregateURI(base, ids, nil)
	}
}

func parseBase(base string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("layeruri: base: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("layeruri: base %q: scheme must be http or https", base)
	}
	return u, nil
}

func validate(id string) error {
	if err := horosafe.ValidateIdentifier(id); err != nil {
		return fmt.Errorf("layeruri: id: %w", err)
	}
	if id == AggregatePath {
		return fmt.Errorf("layeruri: id %q is reserved", id)
	}
	return nil
}

func joinPath(p, seg string) string {
	return strings.TrimSuffix(p, "/") + "/" + seg
}
