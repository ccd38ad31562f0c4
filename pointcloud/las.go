package pointcloud

import (
	"bytes"
	"encoding/binary"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// pointValueDataTag marks the variable length record holding point values.
const pointValueDataTag = "sfm|pv"

// NewFromLASFile returns a point cloud read from a LAS file. Values are restored when the file
// carries them.
func NewFromLASFile(fn string) (*Cloud, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(lf.Close)

	var valueData []byte
	for _, d := range lf.VlrData {
		if d.Description == pointValueDataTag {
			valueData = d.BinaryData
			break
		}
	}

	pc := New()
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, err
		}
		data := p.PointData()
		v := r3.Vector{X: data.X, Y: data.Y, Z: data.Z}
		if valueData != nil && len(valueData) >= (i+1)*8 {
			pc.AppendWithValue(v, int(int64(binary.LittleEndian.Uint64(valueData[i*8:(i+1)*8]))))
			continue
		}
		pc.Append(v)
	}
	return pc, nil
}

// WriteToLASFile writes the cloud out as point format 0. Values go to a variable length record.
func WriteToLASFile(pc *Cloud, fn string) (err error) {
	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	if err = lf.AddHeader(lidario.LasHeader{PointFormatID: 0}); err != nil {
		return
	}

	hasValue := pc.MetaData().HasValue
	var values bytes.Buffer
	pc.Iterate(func(_ int, p r3.Vector, v int) bool {
		pr0 := &lidario.PointRecord0{
			X: p.X,
			Y: p.Y,
			Z: p.Z,
			BitField: lidario.PointBitField{
				Value: (1) | (1 << 3),
			},
			PointSourceID: 1,
		}
		if hasValue {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(int64(v)))
			values.Write(b[:])
		}
		if err = lf.AddLasPoint(pr0); err != nil {
			return false
		}
		return true
	})
	if err != nil {
		return
	}
	if hasValue {
		err = lf.AddVLR(lidario.VLR{
			Description:             pointValueDataTag,
			BinaryData:              values.Bytes(),
			RecordLengthAfterHeader: values.Len(),
		})
	}
	return
}
