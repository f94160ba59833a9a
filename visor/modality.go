package visor

import "fmt"

// Modality is the kind of asset addressed by a data identifier.
type Modality uint8

const (
	// Image is raw acquisition imagery.
	Image Modality = iota

	// Mask is a region (atlas) label volume.
	Mask

	// Mesh is a 3d surface mesh for a named region.
	Mesh
)

// ModalityFromToken returns the Modality for the three-character identifier
// token (img|msk|meh).
func ModalityFromToken(token string) (Modality, error) {
	switch token {
	case "img":
		return Image, nil
	case "msk":
		return Mask, nil
	case "meh":
		return Mesh, nil
	}
	return 0, fmt.Errorf("unknown modality token %q", token)
}

func (m Modality) String() string {
	switch m {
	case Image:
		return "img"
	case Mask:
		return "msk"
	case Mesh:
		return "meh"
	}
	return fmt.Sprintf("illegal modality (%d)", uint8(m))
}

// DefaultEncoding is the wire encoding used when an identifier omits one.
func (m Modality) DefaultEncoding() string {
	if m == Mesh {
		return "obj"
	}
	return "raw"
}
