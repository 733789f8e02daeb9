package physics

import "math"

const (
	// MaxLinearSpeed caps chassis speed so a mistuned rig cannot explode the integrator.
	MaxLinearSpeed = 200.0
	// MaxAngularSpeed caps chassis spin in radians per second.
	MaxAngularSpeed = 40.0
	angularDamping  = 0.01
	linearDamping   = 0.01
)

// Box is an axis aligned collision box expressed by its half extents.
type Box struct {
	HalfExtents Vec3 `json:"half_extents"`
}

// Material carries the contact properties attached to a body.
type Material struct {
	Friction float64 `json:"friction"`
}

// Body is the rigid body proxy consumed by the vehicle and the world.
type Body struct {
	Mass            float64
	Material        Material
	Shapes          []Box
	Position        Vec3
	Quaternion      Quat
	Velocity        Vec3
	AngularVelocity Vec3
}

// NewBody allocates a body at the origin with identity orientation.
func NewBody(mass float64, material Material) *Body {
	return &Body{Mass: mass, Material: material, Quaternion: IdentityQuat()}
}

// AddShape attaches a collision box.
func (b *Body) AddShape(shape Box) {
	if b == nil {
		return
	}
	b.Shapes = append(b.Shapes, shape)
}

// ReplaceShapes swaps every collision shape in place, keeping the body identity.
func (b *Body) ReplaceShapes(shapes ...Box) {
	if b == nil {
		return
	}
	b.Shapes = append(b.Shapes[:0], shapes...)
}

// Transform returns the body's position and orientation.
func (b *Body) Transform() Transform {
	if b == nil {
		return Transform{Rotation: IdentityQuat()}
	}
	return Transform{Position: b.Position, Rotation: b.Quaternion}
}

// lowestExtent reports the largest half height among the attached boxes.
func (b *Body) lowestExtent() float64 {
	extent := 0.0
	for _, shape := range b.Shapes {
		if shape.HalfExtents.Y > extent {
			extent = shape.HalfExtents.Y
		}
	}
	return extent
}

func clampVec3Magnitude(vector Vec3, limit float64) Vec3 {
	//1.- Skip clamping when the limit disables the guard.
	if !(limit > 0) {
		return vector
	}
	magnitudeSq := vector.Dot(vector)
	if magnitudeSq == 0 || magnitudeSq <= limit*limit {
		return vector
	}
	//2.- Scale each axis uniformly so the resulting magnitude matches the limit.
	return vector.Scale(limit / math.Sqrt(magnitudeSq))
}

// integrateBody applies the accumulated force and advances position and orientation.
func integrateBody(body *Body, force Vec3, step float64) {
	//1.- Skip static or invalid bodies.
	if body == nil || step <= 0 || !(body.Mass > 0) {
		return
	}
	//2.- Semi-implicit Euler: velocity first, then position.
	body.Velocity = body.Velocity.Add(force.Scale(step / body.Mass))
	body.Velocity = clampVec3Magnitude(body.Velocity.Scale(1-linearDamping*step), MaxLinearSpeed)
	body.Position = body.Position.Add(body.Velocity.Scale(step))
	//3.- Integrate the orientation from the angular velocity.
	body.AngularVelocity = clampVec3Magnitude(body.AngularVelocity.Scale(1-angularDamping*step), MaxAngularSpeed)
	w := body.AngularVelocity
	spin := Quat{X: w.X, Y: w.Y, Z: w.Z}.Mul(body.Quaternion)
	body.Quaternion = Quat{
		X: body.Quaternion.X + 0.5*step*spin.X,
		Y: body.Quaternion.Y + 0.5*step*spin.Y,
		Z: body.Quaternion.Z + 0.5*step*spin.Z,
		W: body.Quaternion.W + 0.5*step*spin.W,
	}.Normalize()
}

// resolveGround keeps the chassis box above the ground plane.
func resolveGround(body *Body, groundY float64) {
	if body == nil {
		return
	}
	floor := groundY + body.lowestExtent()
	if body.Position.Y >= floor {
		return
	}
	//1.- Push the body out of the plane and cancel the penetrating velocity.
	body.Position.Y = floor
	if body.Velocity.Y < 0 {
		body.Velocity.Y = 0
	}
}
