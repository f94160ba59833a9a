/*
	Package encode transcodes raw extracted payloads into the wire
	encodings clients request.  Every encoder is deterministic: the same
	payload always produces the same bytes, so encoded results are safe to
	cache under the canonical identifier.

	The parser has already validated the encoding against the specimen's
	metadata, so an unknown encoding reaching this package indicates a
	parser/registry desynchronization and is reported as an internal
	invariant violation rather than a client error.
*/

package encode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/visor-platform/visor/storage"
	"github.com/visor-platform/visor/tile"
	"github.com/visor-platform/visor/visor"
)

const jpegQuality = 90

// Deterministic zstd: single-threaded encoder with a fixed level so repeated
// encodes of one tile are byte-identical.
var zstdEnc, _ = zstd.NewWriter(nil,
	zstd.WithEncoderLevel(zstd.SpeedDefault),
	zstd.WithEncoderConcurrency(1),
	zstd.WithZeroFrames(true))

// Encode converts a raw payload into the named encoding, returning the
// encoded bytes and their content type.
func Encode(p *tile.Payload, encoding string) ([]byte, string, error) {
	switch p.Kind {
	case tile.Tile2d:
		return encodeTile(p.Tile, encoding)
	case tile.Block3d:
		return encodeBlock(p.Volume, encoding)
	case tile.MeshBytes:
		return encodeMesh(p.Mesh, encoding)
	case tile.Contours:
		return encodeContours(p.Polys, p.SliceZ, encoding)
	}
	return nil, "", visor.UnsupportedEncodingf("unhandled payload kind %d", p.Kind)
}

func encodeTile(t *storage.Tile, encoding string) ([]byte, string, error) {
	switch encoding {
	case "raw":
		ctype := fmt.Sprintf("application/x-visor-raw; dtype=%s; rows=%d; cols=%d; layout=row-major; endian=little",
			t.DataType, t.Size[0], t.Size[1])
		return t.Data, ctype, nil

	case "zstd_sqrt_v1":
		quantized := sqrtQuantize(t.Data, t.DataType)
		ctype := fmt.Sprintf("application/x-visor-zstd-sqrt; v=1; dtype=uint8; rows=%d; cols=%d; layout=row-major",
			t.Size[0], t.Size[1])
		return zstdEnc.EncodeAll(quantized, nil), ctype, nil

	case "jpg":
		data, err := encodeImage(t, "jpg")
		return data, "image/jpeg", err

	case "png":
		data, err := encodeImage(t, "png")
		return data, "image/png", err
	}

	visor.Criticalf("Encoding %q for a 2d tile passed identifier validation but has no encoder\n", encoding)
	return nil, "", visor.UnsupportedEncodingf("no 2d tile encoder for %q", encoding)
}

func encodeBlock(vol *storage.Array3d, encoding string) ([]byte, string, error) {
	switch encoding {
	case "raw":
		ctype := fmt.Sprintf("application/x-visor-raw; dtype=%s; nz=%d; ny=%d; nx=%d; layout=row-major; endian=little",
			vol.DataType, vol.Shape[0], vol.Shape[1], vol.Shape[2])
		return vol.Data, ctype, nil

	case "textr":
		return encodeTexture(vol)

	case "zstd_sqrt_v1":
		quantized := sqrtQuantize(vol.Data, vol.DataType)
		ctype := fmt.Sprintf("application/x-visor-zstd-sqrt; v=1; dtype=uint8; nz=%d; ny=%d; nx=%d; layout=row-major",
			vol.Shape[0], vol.Shape[1], vol.Shape[2])
		return zstdEnc.EncodeAll(quantized, nil), ctype, nil
	}

	visor.Criticalf("Encoding %q for a 3d block passed identifier validation but has no encoder\n", encoding)
	return nil, "", visor.UnsupportedEncodingf("no 3d block encoder for %q", encoding)
}

func encodeMesh(mesh []byte, encoding string) ([]byte, string, error) {
	switch encoding {
	case "obj":
		return mesh, "model/obj", nil
	case "raw":
		return mesh, "application/octet-stream", nil
	}
	visor.Criticalf("Encoding %q for a mesh passed identifier validation but has no encoder\n", encoding)
	return nil, "", visor.UnsupportedEncodingf("no mesh encoder for %q", encoding)
}

// encodeContours writes cross-section polygons in the OBJ grammar: each
// polygon's vertices at the fixed z, followed by a closed polyline.
func encodeContours(polys []storage.Polygon, z float32, encoding string) ([]byte, string, error) {
	if encoding != "obj" {
		visor.Criticalf("Encoding %q for a cross-section passed identifier validation but has no encoder\n", encoding)
		return nil, "", visor.UnsupportedEncodingf("no cross-section encoder for %q", encoding)
	}
	var buf bytes.Buffer
	vertBase := 1
	for _, poly := range polys {
		for _, pt := range poly {
			fmt.Fprintf(&buf, "v %g %g %g\n", pt[0], pt[1], z)
		}
		buf.WriteString("l")
		for i := range poly {
			fmt.Fprintf(&buf, " %d", vertBase+i)
		}
		fmt.Fprintf(&buf, " %d\n", vertBase)
		vertBase += len(poly)
	}
	return buf.Bytes(), "model/obj", nil
}

// sqrtQuantize maps voxel values into the square-root domain as uint8.
// uint16 intensities compress to 0..255 since sqrt(65535) < 256.
func sqrtQuantize(data []byte, dtype visor.DataType) []byte {
	switch dtype {
	case visor.Uint16:
		out := make([]byte, len(data)/2)
		for i := range out {
			v := binary.LittleEndian.Uint16(data[i*2:])
			out[i] = uint8(math.Sqrt(float64(v)))
		}
		return out
	default:
		out := make([]byte, len(data))
		for i, b := range data {
			out[i] = uint8(math.Sqrt(float64(b)))
		}
		return out
	}
}

// encodeImage renders a tile as an 8-bit grayscale image.  uint16 tiles are
// max-normalized first, matching viewer display expectations.
func encodeImage(t *storage.Tile, format string) ([]byte, error) {
	rows, cols := int(t.Size[0]), int(t.Size[1])
	img := image.NewGray(image.Rect(0, 0, cols, rows))

	switch t.DataType {
	case visor.Uint8:
		copyRows(img, t.Data, rows, cols)
	case visor.Uint16:
		var maxv uint16
		n := len(t.Data) / 2
		for i := 0; i < n; i++ {
			if v := binary.LittleEndian.Uint16(t.Data[i*2:]); v > maxv {
				maxv = v
			}
		}
		if maxv == 0 {
			maxv = 1
		}
		pix := make([]byte, n)
		for i := 0; i < n; i++ {
			v := binary.LittleEndian.Uint16(t.Data[i*2:])
			pix[i] = uint8(uint32(v) * 255 / uint32(maxv))
		}
		copyRows(img, pix, rows, cols)
	default:
		return nil, visor.StorageFailuref("tile has unknown data type %q", t.DataType)
	}

	var buf bytes.Buffer
	var err error
	if format == "jpg" {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, visor.StorageFailuref("unable to encode %s image: %v", format, err)
	}
	return buf.Bytes(), nil
}

func copyRows(img *image.Gray, pix []byte, rows, cols int) {
	for r := 0; r < rows; r++ {
		copy(img.Pix[r*img.Stride:r*img.Stride+cols], pix[r*cols:(r+1)*cols])
	}
}

// encodeTexture packs a 3d block into a 2d texture atlas: z-slices tiled
// row-major into a near-square grid.  The grid geometry and byte layout are
// declared in the content type so clients can decode without side channels.
func encodeTexture(vol *storage.Array3d) ([]byte, string, error) {
	bpv := int(vol.DataType.BytesPerVoxel())
	if bpv == 0 {
		return nil, "", visor.StorageFailuref("block has unknown data type %q", vol.DataType)
	}
	nz, ny, nx := int(vol.Shape[0]), int(vol.Shape[1]), int(vol.Shape[2])
	gridCols := int(math.Ceil(math.Sqrt(float64(nz))))
	gridRows := (nz + gridCols - 1) / gridCols

	atlasW := gridCols * nx
	atlasH := gridRows * ny
	atlas := make([]byte, atlasW*atlasH*bpv)
	for z := 0; z < nz; z++ {
		tileRow := z / gridCols
		tileCol := z % gridCols
		for y := 0; y < ny; y++ {
			src := ((z*ny + y) * nx) * bpv
			dst := (((tileRow*ny+y)*atlasW + tileCol*nx)) * bpv
			copy(atlas[dst:dst+nx*bpv], vol.Data[src:src+nx*bpv])
		}
	}
	ctype := fmt.Sprintf(
		"application/x-visor-texture; dtype=%s; layout=row-major; endian=little; grid=%dx%d; slice=%dx%d; nz=%d",
		vol.DataType, gridRows, gridCols, ny, nx, nz)
	return atlas, ctype, nil
}
