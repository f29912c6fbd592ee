package input

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// LookSensitivity converts pointer movement in pixels to radians.
const LookSensitivity = 1.0 / 500

// View is the camera rotation applied in yaw-then-pitch order. Pitch is not
// clamped, matching the browser client.
type View struct {
	Yaw   float64 `json:"yaw" msgpack:"yaw"`
	Pitch float64 `json:"pitch" msgpack:"pitch"`
}

// Look applies a pointer movement delta.
func (v *View) Look(dx, dy float64) {
	if v == nil {
		return
	}
	v.Yaw -= dx * LookSensitivity
	v.Pitch -= dy * LookSensitivity
}

// Reset zeroes the rotation.
func (v *View) Reset() {
	if v == nil {
		return
	}
	v.Yaw, v.Pitch = 0, 0
}

// Direction is the unit vector the camera looks along. The zero view looks down -z.
func (v View) Direction() mgl64.Vec3 {
	sinYaw, cosYaw := math.Sincos(v.Yaw)
	sinPitch, cosPitch := math.Sincos(v.Pitch)
	return mgl64.Vec3{-sinYaw * cosPitch, sinPitch, -cosYaw * cosPitch}
}
