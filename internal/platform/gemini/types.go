package gemini

// promptData represents the data passed to the prompt template
type promptData struct {
	Model       string
	Threshold   float64
	DetectHoles bool
}

// ResponseSchema represents the JSON document the model is asked to return
type ResponseSchema struct {
	Polygons  []PolygonSchema `json:"polygons"`
	ImageSize struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"image_size"`
}

// PolygonSchema represents one outlined region in the response
type PolygonSchema struct {
	Points []struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"points"`
	Confidence float64 `json:"confidence"`
}
