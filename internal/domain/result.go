package domain

// Point is a polygon vertex in image pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is one segmented region.
type Polygon struct {
	Points     []Point `json:"points"`
	Area       float64 `json:"area"`
	Confidence float64 `json:"confidence"`
}

// ImageSize is the size of the segmented image.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SegmentationResult is the output of a successful inference call.
type SegmentationResult struct {
	Polygons       []Polygon `json:"polygons"`
	ModelUsed      string    `json:"modelUsed"`
	ThresholdUsed  float64   `json:"thresholdUsed"`
	ProcessingTime float64   `json:"processingTime"`
	ImageSize      ImageSize `json:"imageSize"`
}

// Clone returns a deep copy of r; the copy shares no polygons or points
// with r.
func (r *SegmentationResult) Clone() *SegmentationResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Polygons != nil {
		c.Polygons = make([]Polygon, len(r.Polygons))
		for i, p := range r.Polygons {
			p.Points = append([]Point(nil), p.Points...)
			c.Polygons[i] = p
		}
	}
	return &c
}
