package request

import (
	"fmt"
	"strconv"
	"strings"
)

// Recognized query keys, in canonical encoding order.
const (
	keyTarget     = "target"
	keyChannelID  = "cid"
	keyNewChannel = "cnew"
	keyLength     = "len"
	keyLayers     = "layers"
	keyMetadata   = "meta"
	keyFullSize   = "fsiz"
	keyRegionSize = "rsiz"
	keyRegionOff  = "roff"
	keyComponents = "comps"
	keyResolution = "reslevels"
	keyPreference = "pref"
)

// EncodeQuery renders the window as "k1=v1&k2=v2&…" over the recognized
// keys, omitting unset optionals. The ordering is fixed so encodings are
// reproducible.
func EncodeQuery(w *ViewWindow) string {
	var parts []string
	add := func(k, v string) { parts = append(parts, k+"="+v) }

	if w.Target != "" {
		add(keyTarget, w.Target)
	}
	if w.ChannelID != "" {
		add(keyChannelID, w.ChannelID)
	}
	if w.NewChannel {
		add(keyNewChannel, "http")
	}
	if w.MaxLength > 0 {
		add(keyLength, strconv.Itoa(w.MaxLength))
	}
	if w.Layers > 0 {
		add(keyLayers, strconv.Itoa(w.Layers))
	}
	if w.MetadataOnly {
		add(keyMetadata, "yes")
	}
	if w.FullSize != nil {
		add(keyFullSize, fmt.Sprintf("%d,%d", w.FullSize.Width, w.FullSize.Height))
	}
	if w.Region != nil {
		add(keyRegionSize, fmt.Sprintf("%d,%d", w.Region.Size.Width, w.Region.Size.Height))
		add(keyRegionOff, fmt.Sprintf("%d,%d", w.Region.Offset.X, w.Region.Offset.Y))
	}
	if len(w.Components) > 0 {
		comps := make([]string, len(w.Components))
		for i, c := range w.Components {
			comps[i] = strconv.Itoa(c)
		}
		add(keyComponents, strings.Join(comps, ","))
	}
	if w.ResolutionLevel >= 0 {
		add(keyResolution, strconv.Itoa(w.ResolutionLevel))
	}
	if w.Preference != "" {
		add(keyPreference, w.Preference)
	}
	return strings.Join(parts, "&")
}

// DecodeQuery parses "k1=v1&k2=v2&…" into a window. Unrecognized keys are
// ignored; malformed values of recognized keys are invalid-parameter errors.
func DecodeQuery(query string) (*ViewWindow, error) {
	w := &ViewWindow{ResolutionLevel: -1}
	if query == "" {
		return w, nil
	}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		k, v, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("%w: malformed pair %q", ErrInvalidParameter, pair)
		}
		switch k {
		case keyTarget:
			w.Target = v
		case keyChannelID:
			w.ChannelID = v
		case keyNewChannel:
			w.NewChannel = true
		case keyLength:
			n, err := parseNonNegative(k, v)
			if err != nil {
				return nil, err
			}
			w.MaxLength = n
		case keyLayers:
			n, err := parseNonNegative(k, v)
			if err != nil {
				return nil, err
			}
			w.Layers = n
		case keyMetadata:
			w.MetadataOnly = v == "yes"
		case keyFullSize:
			sz, err := parseSize(k, v)
			if err != nil {
				return nil, err
			}
			w.FullSize = &sz
		case keyRegionSize:
			sz, err := parseSize(k, v)
			if err != nil {
				return nil, err
			}
			if w.Region == nil {
				w.Region = &Region{}
			}
			w.Region.Size = sz
		case keyRegionOff:
			pt, err := parsePoint(k, v)
			if err != nil {
				return nil, err
			}
			if w.Region == nil {
				w.Region = &Region{}
			}
			w.Region.Offset = pt
		case keyComponents:
			comps, err := parseComponents(v)
			if err != nil {
				return nil, err
			}
			w.Components = comps
		case keyResolution:
			n, err := parseNonNegative(k, v)
			if err != nil {
				return nil, err
			}
			w.ResolutionLevel = n
		case keyPreference:
			w.Preference = v
		}
	}
	return w, nil
}

func parseNonNegative(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad %s value %q", ErrInvalidParameter, key, v)
	}
	return n, nil
}

func parseSize(key, v string) (Size, error) {
	a, b, found := strings.Cut(v, ",")
	if !found {
		return Size{}, fmt.Errorf("%w: bad %s value %q", ErrInvalidParameter, key, v)
	}
	width, err := parseNonNegative(key, a)
	if err != nil {
		return Size{}, err
	}
	height, err := parseNonNegative(key, b)
	if err != nil {
		return Size{}, err
	}
	return Size{Width: width, Height: height}, nil
}

func parsePoint(key, v string) (Point, error) {
	a, b, found := strings.Cut(v, ",")
	if !found {
		return Point{}, fmt.Errorf("%w: bad %s value %q", ErrInvalidParameter, key, v)
	}
	x, err := parseNonNegative(key, a)
	if err != nil {
		return Point{}, err
	}
	y, err := parseNonNegative(key, b)
	if err != nil {
		return Point{}, err
	}
	return Point{X: x, Y: y}, nil
}

func parseComponents(v string) ([]int, error) {
	fields := strings.Split(v, ",")
	comps := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := parseNonNegative(keyComponents, f)
		if err != nil {
			return nil, err
		}
		comps = append(comps, n)
	}
	return comps, nil
}
