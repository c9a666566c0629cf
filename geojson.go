package satdet

// xView GeoJSON specific functionality.

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
)

// Feature property keys of the xView annotation file.
const (
	propImageID        = "image_id"
	propFeatureID      = "feature_id"
	propBoundsImCoords = "bounds_imcoords"
)

// classProperties are tried in order to find the xView type id of a feature. The first one present
// decides.
var classProperties = []string{"type", "class_type", "type_id"}

// ConversionStats summarises a GeoJSON conversion.
type ConversionStats struct {
	Images          int            // Images with readable dimensions.
	SkippedImages   int            // Unreadable images and images whose name is already taken.
	Annotations     int            // Annotations written.
	UnknownClasses  int            // Features with a class outside the taxonomy.
	InvalidFeatures int            // Features without an image reference or geometry.
	OrphanFeatures  int            // Features referencing images missing from the image directory.
	DroppedBoxes    int            // Annotations dropped during normalization.
	ClassCounts     map[string]int // Written annotations per class name.
}

// LogValue implements slog.LogValuer.
func (s ConversionStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("images", s.Images),
		slog.Int("skipped_images", s.SkippedImages),
		slog.Int("annotations", s.Annotations),
		slog.Int("unknown_classes", s.UnknownClasses),
		slog.Int("invalid_features", s.InvalidFeatures),
		slog.Int("orphan_features", s.OrphanFeatures),
		slog.Int("dropped_boxes", s.DroppedBoxes),
	)
}

// FromGeoJSON reads the xView GeoJSON annotations at geojsonPath and matches them to the images in
// imageDir.
//
// Every readable image yields an AnnotatedFile, including images without annotations. Images whose
// dimensions cannot be read are reported and skipped.
func FromGeoJSON(geojsonPath, imageDir string, taxonomy Taxonomy) ([]AnnotatedFile,
	ConversionStats, error) {

	var stats ConversionStats

	raw, err := os.ReadFile(geojsonPath)
	if err != nil {
		return nil, stats, fmt.Errorf("cannot read file %q: %w", geojsonPath, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, stats, fmt.Errorf("cannot parse GeoJSON %q: %w", geojsonPath, err)
	}
	slog.Info("Parsed GeoJSON annotations", "features", len(fc.Features), "file", geojsonPath)

	// Group the annotations by image.
	byImage := make(map[string][]Annotation)
	for _, f := range fc.Features {
		imageName := featureImage(f)
		if imageName == "" {
			stats.InvalidFeatures++
			continue
		}

		sourceID, ok := featureClass(f)
		if !ok {
			stats.InvalidFeatures++
			continue
		}
		classIdx, ok := taxonomy.Index(sourceID)
		if !ok {
			stats.UnknownClasses++
			continue
		}

		coords, ok := featureBox(f)
		if !ok {
			stats.InvalidFeatures++
			continue
		}

		a := Annotation{
			Attributes: map[string]interface{}{SourceClass: sourceID},
			Class:      classIdx,
			Coords:     coords,
			Label:      taxonomy[classIdx].Name,
		}
		if id := f.Properties.MustString(propFeatureID, ""); id != "" {
			a.Attributes[FeatureID] = id
		}
		byImage[imageName] = append(byImage[imageName], a)
	}

	imageFiles, err := filesByExtInDir(imageDir, imageExtensions...)
	if err != nil {
		return nil, stats, err
	}

	data := make([]AnnotatedFile, 0, len(imageFiles))
	seen := make(map[string]bool, len(imageFiles))
	for _, imagePath := range imageFiles {
		name := stem(imagePath)
		if seen[name] {
			slog.Warn("Duplicate image name, skipping", "image", imagePath)
			stats.SkippedImages++
			continue
		}
		seen[name] = true

		cfg, _, err := decodeImageConfig(imagePath)
		if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
			slog.Warn("Cannot read image dimensions, skipping", "image", imagePath, "error", err)
			stats.SkippedImages++
			continue
		}

		data = append(data, AnnotatedFile{
			Annotations: byImage[name],
			FilePath:    imagePath,
			Width:       cfg.Width,
			Height:      cfg.Height,
		})
	}
	stats.Images = len(data)

	var orphanImages []string
	for name, annotations := range byImage {
		if !seen[name] {
			stats.OrphanFeatures += len(annotations)
			orphanImages = append(orphanImages, name)
		}
	}
	if len(orphanImages) > 0 {
		sort.Strings(orphanImages)
		slog.Warn("Annotations reference missing images",
			"images", len(orphanImages), "features", stats.OrphanFeatures, "first", orphanImages[0])
	}

	return data, stats, nil
}

// ConvertGeoJSON converts the xView annotations at geojsonPath to YOLO label files in labelDir,
// one per readable image in imageDir. Bounding boxes smaller than minBboxSize pixels in either
// dimension are filtered out.
func ConvertGeoJSON(geojsonPath, imageDir, labelDir string, taxonomy Taxonomy,
	minBboxSize float64) (ConversionStats, error) {

	data, stats, err := FromGeoJSON(geojsonPath, imageDir, taxonomy)
	if err != nil {
		return stats, err
	}

	af := AnnotatedFiles(data)
	af.Filter(minBboxSize, minBboxSize)

	yoloData, dropped := ToYOLO(af, taxonomy.Len())
	stats.DroppedBoxes = dropped

	if err := WriteYOLO(labelDir, yoloData); err != nil {
		return stats, err
	}

	stats.ClassCounts = make(map[string]int, taxonomy.Len())
	for _, f := range yoloData {
		stats.Annotations += len(f.Labels)
		for _, l := range f.Labels {
			stats.ClassCounts[taxonomy[l.Class].Name]++
		}
	}

	return stats, nil
}

// featureImage returns the image file stem a feature refers to.
func featureImage(f *geojson.Feature) string {
	if id := f.Properties.MustString(propImageID, ""); id != "" {
		return stem(id)
	}

	// Feature ids have the form "<image>.<n>".
	var featureID string
	switch v := f.Properties[propFeatureID].(type) {
	case string:
		featureID = v
	case float64:
		featureID = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if i := strings.IndexByte(featureID, '.'); i > 0 {
		return featureID[:i]
	}
	return ""
}

// featureClass returns the xView type id of a feature. Numbers and numeric strings are accepted.
// A class property that is present but not numeric makes the feature invalid.
func featureClass(f *geojson.Feature) (int, bool) {
	for _, key := range classProperties {
		raw, ok := f.Properties[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return int(v), true
		case string:
			if id, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return id, true
			}
		}
		return 0, false
	}
	return 0, false
}

// featureBox returns the pixel bounding box of a feature. The bounds_imcoords property is used when
// present, and a malformed value makes the feature invalid. Otherwise the extent of the geometry is
// used.
func featureBox(f *geojson.Feature) ([4]float64, bool) {
	if raw, ok := f.Properties[propBoundsImCoords]; ok {
		s, _ := raw.(string)
		parts := strings.Split(s, ",")
		if len(parts) != 4 {
			return [4]float64{}, false
		}
		var coords [4]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return [4]float64{}, false
			}
			coords[i] = v
		}
		return coords, true
	}

	if f.Geometry == nil {
		return [4]float64{}, false
	}
	b := f.Geometry.Bound()
	return [4]float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}, true
}
