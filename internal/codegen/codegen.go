package codegen

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"text/template"

	"github.com/Masterminds/semver/v3"

	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/physics"
	"raycastlab/tuner/internal/rig"
	"raycastlab/tuner/internal/syncbridge"
)

var (
	// ErrMissingField reports generation input that is absent or incomplete.
	ErrMissingField = errors.New("code generation input missing")
	// ErrInvalidManifest reports a dependency pin that is not a valid version range.
	ErrInvalidManifest = errors.New("invalid project manifest")
)

// ModulePath is where the generated rig module lives inside the project.
const ModulePath = "src/world/car.js"

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("codegen").Option("missingkey=error").ParseFS(templateFS, "templates/*.tmpl"))

// layout maps every project text file onto the template rendering it, in
// archive order.
var layout = []struct {
	path     string
	template string
}{
	{"bundler/webpack.common.js", "webpack.common.js.tmpl"},
	{"bundler/webpack.dev.js", "webpack.dev.js.tmpl"},
	{"bundler/webpack.prod.js", "webpack.prod.js.tmpl"},
	{"src/index.html", "index.html.tmpl"},
	{"src/style.css", "style.css.tmpl"},
	{"src/script.js", "script.js.tmpl"},
	{ModulePath, "car.js.tmpl"},
	{"readme.md", "readme.md.tmpl"},
}

// DefaultDependencies are the runtime and build pins written to package.json.
var DefaultDependencies = map[string]string{
	"@babel/core":             "^7.12.10",
	"@babel/preset-env":       "^7.12.11",
	"babel-loader":            "^8.2.2",
	"cannon-es":               "^0.18.0",
	"cannon-es-debugger":      "^0.1.4",
	"clean-webpack-plugin":    "^3.0.0",
	"copy-webpack-plugin":     "^7.0.0",
	"css-loader":              "^5.0.1",
	"file-loader":             "^6.2.0",
	"html-loader":             "^1.3.2",
	"html-webpack-plugin":     "^5.0.0-alpha.7",
	"internal-ip":             "^6.2.0",
	"mini-css-extract-plugin": "^1.3.4",
	"portfinder-sync":         "0.0.2",
	"raw-loader":              "^4.0.2",
	"stats.js":                "^0.17.0",
	"style-loader":            "^2.0.0",
	"three":                   "^0.124.0",
	"webpack":                 "^5.14.0",
	"webpack-cli":             "^4.3.1",
	"webpack-dev-server":      "^3.11.2",
	"webpack-merge":           "^5.7.3",
}

// Number is a numeric literal already rendered in its shortest round-trip form.
type Number string

// Literal is a quoted string literal valid in generated source.
type Literal string

// Vec3 is a vector of rendered literals.
type Vec3 struct {
	X, Y, Z Number
}

// Wheel describes one addWheel block of the generated module.
type Wheel struct {
	Index                        int
	Position                     string
	Radius                       Number
	DirectionLocal               Vec3
	SuspensionStiffness          Number
	SuspensionRestLength         Number
	FrictionSlip                 Number
	DampingRelaxation            Number
	DampingCompression           Number
	MaxSuspensionForce           Number
	RollInfluence                Number
	AxleLocal                    Vec3
	ConnectionPoint              Vec3
	MaxSuspensionTravel          Number
	CustomSlidingRotationalSpeed Number
	Scale                        Vec3
}

// KeySet holds the six bindings of one set as literals.
type KeySet struct {
	Forward, Backward, Left, Right, Brake, Reset Literal
}

// Forces holds the control constants.
type Forces struct {
	MaxSteerAngle, MaxEngineForce, BrakeForce, CoastBrakeForce Number
}

// Control is one row of the usage document's binding table.
type Control struct {
	Action, Primary, Secondary string
}

// Dependency is one validated manifest pin.
type Dependency struct {
	Name    string
	Version string
}

// Project is the typed description every generated file renders from.
type Project struct {
	Title              string
	DevPort            int
	Gravity            Vec3
	TimeStep           Number
	Spawn              Vec3
	ChassisDimension   Vec3
	ChassisModelOffset Vec3
	HalfExtents        Vec3
	WheelScale         struct{ Front, Hind Number }
	Mass               Number
	Wheels             []Wheel
	SteeredWheels      []int
	Forces             Forces
	Primary            KeySet
	Secondary          KeySet
	Controls           []Control
	Dependencies       []Dependency
}

// File is one generated project file.
type File struct {
	Path string
	Data []byte
}

type options struct {
	title        string
	devPort      int
	gravity      physics.Vec3
	timeStep     float64
	dependencies map[string]string
}

// Option customises the generated project.
type Option func(*options)

// WithTitle sets the page title and usage heading.
func WithTitle(title string) Option {
	return func(o *options) {
		if title != "" {
			o.title = title
		}
	}
}

// WithGravity sets the world gravity of the generated entry point.
func WithGravity(gravity physics.Vec3) Option {
	return func(o *options) { o.gravity = gravity }
}

// WithStepRate sets the fixed step rate of the generated entry point.
func WithStepRate(hz int) Option {
	return func(o *options) {
		if hz > 0 {
			o.timeStep = 1 / float64(hz)
		}
	}
}

// WithDependencies replaces the manifest pins.
func WithDependencies(dependencies map[string]string) Option {
	return func(o *options) {
		if len(dependencies) > 0 {
			o.dependencies = dependencies
		}
	}
}

var wheelPositions = [params.WheelCount]string{
	params.LeftHind:   "left-hind",
	params.RightHind:  "right-hind",
	params.LeftFront:  "left-front",
	params.RightFront: "right-front",
}

// Describe builds the project description from the store and the values
// read back from the built rig. Wheels, mass and chassis half-extents come
// from derived; visual and control fields come from store.
func Describe(store *params.Store, derived *rig.Snapshot, opts ...Option) (*Project, error) {
	cfg := options{
		title:        "Raycast Vehicle",
		devPort:      8080,
		gravity:      physics.Vec3{Y: -9.82},
		timeStep:     1.0 / 60,
		dependencies: DefaultDependencies,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	//1.- Refuse partial input before anything is rendered.
	if store == nil {
		return nil, fmt.Errorf("%w: parameter store", ErrMissingField)
	}
	if derived == nil {
		return nil, fmt.Errorf("%w: rig snapshot", ErrMissingField)
	}
	if len(derived.Wheels) != params.WheelCount {
		return nil, fmt.Errorf("%w: expected %d wheels, rig reports %d", ErrMissingField, params.WheelCount, len(derived.Wheels))
	}
	if !(derived.ChassisMass > 0) || math.IsInf(derived.ChassisMass, 0) {
		return nil, fmt.Errorf("%w: chassis mass", ErrMissingField)
	}
	if derived.HalfExtents == (physics.Vec3{}) {
		return nil, fmt.Errorf("%w: chassis half extents", ErrMissingField)
	}
	if err := store.Validate(); err != nil {
		return nil, err
	}
	dependencies, err := pins(cfg.dependencies)
	if err != nil {
		return nil, err
	}

	project := &Project{
		Title:              cfg.title,
		DevPort:            cfg.devPort,
		Gravity:            vec(cfg.gravity),
		TimeStep:           number(cfg.timeStep),
		Spawn:              vec(rig.SpawnPosition),
		ChassisDimension:   vec(store.ChassisDimension),
		ChassisModelOffset: vec(store.ChassisModelOffset),
		HalfExtents:        vec(derived.HalfExtents),
		Mass:               number(derived.ChassisMass),
		Forces: Forces{
			MaxSteerAngle:   number(store.Forces.MaxSteerAngle),
			MaxEngineForce:  number(store.Forces.MaxEngineForce),
			BrakeForce:      number(store.Forces.BrakeForce),
			CoastBrakeForce: number(store.Forces.CoastBrakeForce),
		},
		Primary:      keySet(store.Bindings.Primary),
		Secondary:    keySet(store.Bindings.Secondary),
		Dependencies: dependencies,
	}
	project.WheelScale.Front = number(store.WheelScale.Front)
	project.WheelScale.Hind = number(store.WheelScale.Hind)
	for _, index := range params.AxleFront.Wheels() {
		project.SteeredWheels = append(project.SteeredWheels, index)
	}

	//2.- Wheels are emitted in the fixed index order.
	for index, wheel := range derived.Wheels {
		if err := wheel.Validate(); err != nil {
			return nil, fmt.Errorf("%w: wheel %d: %v", ErrMissingField, index, err)
		}
		project.Wheels = append(project.Wheels, Wheel{
			Index:                        index,
			Position:                     wheelPositions[index],
			Radius:                       number(wheel.Radius),
			DirectionLocal:               vec(wheel.DirectionLocal),
			SuspensionStiffness:          number(wheel.SuspensionStiffness),
			SuspensionRestLength:         number(wheel.SuspensionRestLength),
			FrictionSlip:                 number(wheel.FrictionSlip),
			DampingRelaxation:            number(wheel.DampingRelaxation),
			DampingCompression:           number(wheel.DampingCompression),
			MaxSuspensionForce:           number(wheel.MaxSuspensionForce),
			RollInfluence:                number(wheel.RollInfluence),
			AxleLocal:                    vec(wheel.AxleLocal),
			ConnectionPoint:              vec(wheel.ChassisConnectionPointLocal),
			MaxSuspensionTravel:          number(wheel.MaxSuspensionTravel),
			CustomSlidingRotationalSpeed: number(wheel.CustomSlidingRotationalSpeed),
			Scale:                        vec(syncbridge.WheelScale(store, index)),
		})
	}

	for _, action := range params.Actions {
		project.Controls = append(project.Controls, Control{
			Action:    string(action),
			Primary:   keyLabel(store.Bindings.Primary.Key(action)),
			Secondary: keyLabel(store.Bindings.Secondary.Key(action)),
		})
	}
	return project, nil
}

// Generate renders the rig module for the given inputs.
func Generate(store *params.Store, derived *rig.Snapshot, opts ...Option) ([]byte, error) {
	project, err := Describe(store, derived, opts...)
	if err != nil {
		return nil, err
	}
	return RenderModule(project)
}

// RenderModule renders only the rig module.
func RenderModule(project *Project) ([]byte, error) {
	return render(project, "car.js.tmpl")
}

// RenderProject renders every text file of the project plus package.json,
// in the fixed layout order.
func RenderProject(project *Project) ([]File, error) {
	files := make([]File, 0, len(layout)+1)
	for _, entry := range layout {
		data, err := render(project, entry.template)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.path, err)
		}
		files = append(files, File{Path: entry.path, Data: data})
	}
	manifest, err := Manifest(project)
	if err != nil {
		return nil, err
	}
	return append(files, File{Path: "package.json", Data: manifest}), nil
}

// Manifest renders package.json. Dependencies are keyed alphabetically.
func Manifest(project *Project) ([]byte, error) {
	if project == nil {
		return nil, fmt.Errorf("%w: project", ErrMissingField)
	}
	type scripts struct {
		Build string `json:"build"`
		Start string `json:"start"`
	}
	manifest := struct {
		Name         string            `json:"name"`
		Private      bool              `json:"private"`
		Scripts      scripts           `json:"scripts"`
		Dependencies map[string]string `json:"dependencies"`
	}{
		Name:    "raycast-vehicle",
		Private: true,
		Scripts: scripts{
			Build: "webpack --config ./bundler/webpack.prod.js",
			Start: "webpack serve --config ./bundler/webpack.dev.js",
		},
		Dependencies: make(map[string]string, len(project.Dependencies)),
	}
	for _, dep := range project.Dependencies {
		manifest.Dependencies[dep.Name] = dep.Version
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func render(project *Project, name string) ([]byte, error) {
	if project == nil {
		return nil, fmt.Errorf("%w: project", ErrMissingField)
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, project); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pins validates every version range and returns them sorted by name.
func pins(dependencies map[string]string) ([]Dependency, error) {
	out := make([]Dependency, 0, len(dependencies))
	for name, version := range dependencies {
		if name == "" {
			return nil, fmt.Errorf("%w: empty dependency name", ErrInvalidManifest)
		}
		if _, err := semver.NewConstraint(version); err != nil {
			return nil, fmt.Errorf("%w: %s@%q: %v", ErrInvalidManifest, name, version, err)
		}
		out = append(out, Dependency{Name: name, Version: version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func number(value float64) Number {
	return Number(strconv.FormatFloat(value, 'g', -1, 64))
}

func vec(v physics.Vec3) Vec3 {
	return Vec3{X: number(v.X), Y: number(v.Y), Z: number(v.Z)}
}

func literal(value string) Literal {
	data, _ := json.Marshal(value)
	return Literal(data)
}

func keySet(keys params.KeySet) KeySet {
	return KeySet{
		Forward:  literal(keys.Forward),
		Backward: literal(keys.Backward),
		Left:     literal(keys.Left),
		Right:    literal(keys.Right),
		Brake:    literal(keys.Brake),
		Reset:    literal(keys.Reset),
	}
}

func keyLabel(key string) string {
	switch key {
	case "":
		return "unbound"
	case params.SpaceKey:
		return "space"
	}
	return key
}
