package query

// Split partitions the query's box into four quadrants sharing the midpoint edges, in
// NW, NE, SW, SE order. Children keep the filters, drop the pagination cursor and zoom in by
// one level, capped at maxZoom when maxZoom > 0.
func Split(q SearchQuery, maxZoom int) []SearchQuery {
	b := q.MapBounds
	midLng := (b.West + b.East) / 2
	midLat := (b.South + b.North) / 2

	quadrants := []Bounds{
		{West: b.West, East: midLng, South: midLat, North: b.North},
		{West: midLng, East: b.East, South: midLat, North: b.North},
		{West: b.West, East: midLng, South: b.South, North: midLat},
		{West: midLng, East: b.East, South: b.South, North: midLat},
	}

	zoom := q.Zoom() + 1
	if maxZoom > 0 && zoom > maxZoom {
		zoom = maxZoom
	}

	children := make([]SearchQuery, 0, len(quadrants))
	for _, box := range quadrants {
		child := q.Clone()
		child.MapBounds = box
		z := zoom
		child.MapZoom = &z
		child.Pagination = nil
		children = append(children, child)
	}
	return children
}
