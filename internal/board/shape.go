package board

import "math"

const arrowHeadLength = 10

// Shape is the derived rendering primitive: an outline the renderer strokes
// and the hit test walks. It is reconstructible from the element's semantic
// fields and is never sent over the wire.
type Shape struct {
	// Outline segments, each a polyline. Circles carry Center/Radius
	// instead.
	Outline [][]Point
	Center  Point
	Radius  float64
	Closed  bool
}

func deriveShape(e *Element) *Shape {
	switch e.Type {
	case TypePencil:
		pts := make([]Point, len(e.Points))
		copy(pts, e.Points)
		return &Shape{Outline: [][]Point{pts}}
	case TypeLine:
		return &Shape{Outline: [][]Point{{{e.X1, e.Y1}, {e.X2, e.Y2}}}}
	case TypeRectangle:
		return &Shape{
			Outline: [][]Point{{
				{e.X1, e.Y1}, {e.X2, e.Y1}, {e.X2, e.Y2}, {e.X1, e.Y2}, {e.X1, e.Y1},
			}},
			Closed: true,
		}
	case TypeCircle:
		// Radius from the anchor-to-endpoint diagonal.
		r := math.Hypot(e.X2-e.X1, e.Y2-e.Y1)
		return &Shape{Center: Point{e.X1, e.Y1}, Radius: r, Closed: true}
	case TypeDiamond:
		midX := (e.X1 + e.X2) / 2
		midY := (e.Y1 + e.Y2) / 2
		return &Shape{
			Outline: [][]Point{{
				{midX, e.Y1}, {e.X2, midY}, {midX, e.Y2}, {e.X1, midY}, {midX, e.Y1},
			}},
			Closed: true,
		}
	case TypeArrow:
		dx := e.X2 - e.X1
		dy := e.Y2 - e.Y1
		length := math.Hypot(dx, dy)
		if length == 0 {
			return &Shape{Outline: [][]Point{{{e.X1, e.Y1}, {e.X2, e.Y2}}}}
		}
		ux := dx / length
		uy := dy / length
		left := Point{e.X2 - arrowHeadLength*(ux+uy), e.Y2 - arrowHeadLength*(uy-ux)}
		right := Point{e.X2 - arrowHeadLength*(ux-uy), e.Y2 - arrowHeadLength*(uy+ux)}
		return &Shape{Outline: [][]Point{
			{{e.X1, e.Y1}, {e.X2, e.Y2}},
			{left, {e.X2, e.Y2}, right},
		}}
	case TypeText:
		// Approximate box from font size and text length; good enough for
		// local hit testing, which is never trusted across clients anyway.
		w := float64(len(e.Text)) * float64(e.FontSize) * 0.6
		h := float64(e.FontSize)
		return &Shape{
			Outline: [][]Point{{
				{e.X1, e.Y1}, {e.X1 + w, e.Y1}, {e.X1 + w, e.Y1 + h}, {e.X1, e.Y1 + h}, {e.X1, e.Y1},
			}},
			Closed: true,
		}
	}
	return &Shape{}
}

// NearPoint reports whether (x, y) is within tolerance of the element's
// outline. This is a local-only query: remote erases always carry an explicit
// element id because hit test results differ across viewports.
func (e *Element) NearPoint(x, y, tolerance float64) bool {
	s := e.Shape()
	if e.Type == TypeCircle {
		return math.Abs(math.Hypot(x-s.Center.X, y-s.Center.Y)-s.Radius) <= tolerance
	}
	for _, line := range s.Outline {
		for i := 0; i+1 < len(line); i++ {
			if distToSegment(x, y, line[i], line[i+1]) <= tolerance {
				return true
			}
		}
		if len(line) == 1 {
			if math.Hypot(x-line[0].X, y-line[0].Y) <= tolerance {
				return true
			}
		}
	}
	return false
}

func distToSegment(x, y float64, a, b Point) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(x-a.X, y-a.Y)
	}
	t := ((x-a.X)*dx + (y-a.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(x-(a.X+t*dx), y-(a.Y+t*dy))
}
