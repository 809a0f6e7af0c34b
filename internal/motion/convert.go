package motion

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload is returned when a backend payload cannot be turned into
// a Record.
var ErrMalformedPayload = errors.New("malformed motion payload")

// Convert decodes the backend's NPZ archive (fps, joint_pos [T,J],
// root_pos [T,3], root_rot [T,4] in w,x,y,z order) into a Record. The on-wire
// layout is kept as-is; only the element type is normalized to float32.
func Convert(payload []byte, name string, createdAt time.Time) (Record, error) {
	z, err := openNPZ(payload)
	if err != nil {
		return Record{}, malformed(err)
	}

	fpsArr, err := z.array("fps")
	if err != nil {
		return Record{}, malformed(err)
	}
	if len(fpsArr.data) == 0 {
		return Record{}, malformed(errors.New("fps is empty"))
	}
	fps := float64(int64(fpsArr.data[0]))
	if fps <= 0 {
		return Record{}, malformed(fmt.Errorf("fps must be positive, got %v", fpsArr.data[0]))
	}

	jointPos, err := z.array("joint_pos")
	if err != nil {
		return Record{}, malformed(err)
	}
	if jointPos.rank() != 2 {
		return Record{}, malformed(fmt.Errorf("joint_pos shape %v, want [T, J]", jointPos.shape))
	}
	frames := jointPos.shape[0]

	rootPos, err := z.array("root_pos")
	if err != nil {
		return Record{}, malformed(err)
	}
	if err := checkFrames("root_pos", rootPos, frames, 3); err != nil {
		return Record{}, malformed(err)
	}

	rootRot, err := z.array("root_rot")
	if err != nil {
		return Record{}, malformed(err)
	}
	if err := checkFrames("root_rot", rootRot, frames, 4); err != nil {
		return Record{}, malformed(err)
	}

	rec := Record{
		Name:       name,
		FPS:        fps,
		JointPos:   make([][]float32, frames),
		RootPos:    make([][]float32, frames),
		RootQuat:   make([][]float32, frames),
		FrameCount: frames,
		Duration:   float64(frames) / fps,
		CreatedAt:  createdAt,
	}
	for i := 0; i < frames; i++ {
		rec.JointPos[i] = jointPos.row(i)
		rec.RootPos[i] = rootPos.row(i)
		rec.RootQuat[i] = rootRot.row(i)
	}
	return rec, nil
}

func checkFrames(name string, a ndarray, frames, width int) error {
	if a.rank() != 2 || a.shape[1] != width {
		return fmt.Errorf("%s shape %v, want [T, %d]", name, a.shape, width)
	}
	if a.shape[0] != frames {
		return fmt.Errorf("%s has %d frames, joint_pos has %d", name, a.shape[0], frames)
	}
	return nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
}
