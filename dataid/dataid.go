/*
	Package dataid parses the composite data identifier used by viewer
	clients to address every asset the service offers:

		{specimen_id}:{modality}{view}[-{encoding}]:{level}:{channel}:{index}

	where index is "z,y,x" voxel coordinates for image and mask requests,
	and "region" or "region,z" for mesh requests.  Parsing validates the
	identifier against the specimen's metadata entry so downstream stages
	only ever see combinations the specimen actually offers.
*/

package dataid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/visor-platform/visor/metadata"
	"github.com/visor-platform/visor/visor"
)

// Descriptor is the validated, immutable form of one data identifier.
type Descriptor struct {
	SpecimenID string
	Modality   visor.Modality
	View       visor.ViewType
	Encoding   string

	// ResolutionLevel and Channel are zero for mesh requests.
	ResolutionLevel int
	Channel         int

	// Origin is the (z, y, x) tile origin for image and mask requests.
	Origin visor.Point3d

	// Region names the requested mesh region; SliceZ is non-nil for a
	// plane cross-section request.
	Region string
	SliceZ *int32
}

// String returns the canonical identifier with all defaults materialized,
// suitable as a cache key.
func (d *Descriptor) String() string {
	var level, channel, index string
	if d.Modality == visor.Mesh {
		index = d.Region
		if d.SliceZ != nil {
			index = fmt.Sprintf("%s,%d", d.Region, *d.SliceZ)
		}
	} else {
		level = strconv.Itoa(d.ResolutionLevel)
		channel = strconv.Itoa(d.Channel)
		index = fmt.Sprintf("%d,%d,%d", d.Origin[0], d.Origin[1], d.Origin[2])
	}
	return fmt.Sprintf("%s:%s%s-%s:%s:%s:%s",
		d.SpecimenID, d.Modality, d.View, d.Encoding, level, channel, index)
}

// Parse validates an identifier string against the registry and returns its
// descriptor.  Errors carry the taxonomy class expected by the web layer.
func Parse(id string, reg *metadata.Registry) (*Descriptor, error) {
	fields := strings.Split(id, ":")
	if len(fields) != 5 {
		return nil, visor.MalformedIdentifierf("identifier %q has %d fields, expected 5", id, len(fields))
	}

	d := new(Descriptor)
	d.SpecimenID = fields[0]
	if d.SpecimenID == "" {
		return nil, visor.MissingFieldf("identifier %q has empty specimen id", id)
	}

	if err := d.parseTypeField(fields[1]); err != nil {
		return nil, err
	}
	if err := d.parseNumericFields(fields[2], fields[3]); err != nil {
		return nil, err
	}
	if err := d.parseIndex(fields[4]); err != nil {
		return nil, err
	}

	if err := d.validate(reg); err != nil {
		return nil, err
	}
	return d, nil
}

// parseTypeField decomposes "{modality}{view}[-{encoding}]".
func (d *Descriptor) parseTypeField(field string) error {
	if field == "" {
		return visor.MissingFieldf("identifier has empty modality field")
	}
	if len(field) < 3 {
		return visor.MalformedIdentifierf("modality field %q too short", field)
	}
	m, err := visor.ModalityFromToken(field[:3])
	if err != nil {
		return visor.MalformedIdentifierf("modality field %q: %v", field, err)
	}
	d.Modality = m

	rest := field[3:]
	viewToken := rest
	if i := strings.Index(rest, "-"); i >= 0 {
		viewToken = rest[:i]
		d.Encoding = rest[i+1:]
		if d.Encoding == "" {
			return visor.MalformedIdentifierf("modality field %q has dangling encoding separator", field)
		}
	}
	if viewToken == "" {
		return visor.MissingFieldf("modality field %q names no view", field)
	}
	view, err := visor.ViewTypeFromToken(viewToken)
	if err != nil {
		return visor.MalformedIdentifierf("modality field %q: %v", field, err)
	}
	d.View = view

	if d.Encoding == "" {
		d.Encoding = d.Modality.DefaultEncoding()
	}
	return nil
}

// parseNumericFields handles resolution level and channel, which mesh
// requests may leave empty.
func (d *Descriptor) parseNumericFields(levelField, channelField string) error {
	if d.Modality == visor.Mesh {
		// Meshes are resolution- and channel-independent; any supplied
		// values are ignored rather than rejected.
		return nil
	}
	if levelField == "" {
		return visor.MissingFieldf("resolution level required for %s requests", d.Modality)
	}
	if channelField == "" {
		return visor.MissingFieldf("channel required for %s requests", d.Modality)
	}
	level, err := strconv.Atoi(levelField)
	if err != nil || level < 0 {
		return visor.MalformedIdentifierf("bad resolution level %q", levelField)
	}
	channel, err := strconv.Atoi(channelField)
	if err != nil || channel < 0 {
		return visor.MalformedIdentifierf("bad channel %q", channelField)
	}
	d.ResolutionLevel = level
	d.Channel = channel
	return nil
}

func (d *Descriptor) parseIndex(field string) error {
	if field == "" {
		return visor.MissingFieldf("identifier has empty index field")
	}
	parts := strings.Split(field, ",")

	if d.Modality == visor.Mesh {
		switch len(parts) {
		case 1:
			d.Region = parts[0]
		case 2:
			d.Region = parts[0]
			z, err := strconv.ParseInt(parts[1], 10, 32)
			if err != nil {
				return visor.MalformedIdentifierf("bad cross-section coordinate %q", parts[1])
			}
			z32 := int32(z)
			d.SliceZ = &z32
		default:
			return visor.MalformedIdentifierf("mesh index %q must be region or region,z", field)
		}
		if d.Region == "" {
			return visor.MissingFieldf("mesh index %q names no region", field)
		}
		return nil
	}

	if len(parts) != 3 {
		return visor.MalformedIdentifierf("index %q must be z,y,x for %s requests", field, d.Modality)
	}
	for i, part := range parts {
		coord, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return visor.MalformedIdentifierf("bad coordinate %q in index %q", part, field)
		}
		d.Origin[i] = int32(coord)
	}
	return nil
}

// validate checks the structurally sound descriptor against what the
// specimen's metadata entry actually offers.
func (d *Descriptor) validate(reg *metadata.Registry) error {
	entry, err := reg.Get(d.SpecimenID)
	if err != nil {
		return err
	}

	if d.Modality == visor.Mesh {
		if d.SliceZ == nil && d.View != visor.Vol3d {
			return visor.UnsupportedCombinationf(
				"whole-object mesh requests use the 3d view, got %s", d.View)
		}
		if d.SliceZ != nil && d.View != visor.XY {
			return visor.UnsupportedCombinationf(
				"mesh cross-sections are cut on the xy plane, got %s", d.View)
		}
		if _, err := entry.MeshSet(); err != nil {
			return err
		}
		return checkEncoding(d.Encoding, entry.Encodings(d.Modality, d.View))
	}

	ref, err := entry.Volume(d.Modality)
	if err != nil {
		return err
	}
	if !entry.HasResolutionLevel(d.Modality, d.ResolutionLevel) {
		return visor.UnsupportedCombinationf(
			"specimen %q %s data has no resolution level %d (%d levels declared)",
			d.SpecimenID, d.Modality, d.ResolutionLevel, len(ref.ResolutionLevels))
	}
	if ref.Channels > 0 && d.Channel >= ref.Channels {
		return visor.UnsupportedCombinationf(
			"specimen %q %s data has %d channels, requested channel %d",
			d.SpecimenID, d.Modality, ref.Channels, d.Channel)
	}
	return checkEncoding(d.Encoding, entry.Encodings(d.Modality, d.View))
}

func checkEncoding(encoding string, allowed []string) error {
	for _, e := range allowed {
		if e == encoding {
			return nil
		}
	}
	return visor.UnsupportedCombinationf(
		"encoding %q not offered, allowed: %s", encoding, strings.Join(allowed, ", "))
}
