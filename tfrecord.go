package satdet

// TFRecord object detection export.

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/go/tfrecord"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow
)

// TFFeatureMap maps feature names to their values. Values must be convertible to
// tensorflow.Feature.
type TFFeatureMap map[string]interface{}

// toTFFeatures converts the intermediate representation for a single file to the TF object
// detection feature map. Class label ids are the taxonomy index plus one, as 0 is reserved for
// the background class.
func toTFFeatures(fileData AnnotatedFile) (TFFeatureMap, error) {
	img, format, err := decodeImageConfig(fileData.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to decode the image metadata: %w", err)
	}

	imgData, err := os.ReadFile(fileData.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read the image: %w", err)
	}

	f := make(TFFeatureMap, 16)
	f["image/height"] = img.Height
	f["image/width"] = img.Width
	f["image/filename"] = fileData.FilePath
	f["image/source_id"] = stem(fileData.FilePath)
	f["image/encoded"] = imgData
	f["image/format"] = format

	numLabels := len(fileData.Annotations)
	xmins := make([]float32, numLabels)
	ymins := make([]float32, numLabels)
	xmaxs := make([]float32, numLabels)
	ymaxs := make([]float32, numLabels)
	classes := make([]string, numLabels)
	classIDs := make([]int64, numLabels)
	for i, a := range fileData.Annotations {
		c := a.clamped(float64(img.Width), float64(img.Height))
		xmins[i] = float32(c[0]) / float32(img.Width)
		ymins[i] = float32(c[1]) / float32(img.Height)
		xmaxs[i] = float32(c[2]) / float32(img.Width)
		ymaxs[i] = float32(c[3]) / float32(img.Height)
		classes[i] = a.Label
		classIDs[i] = int64(a.Class) + 1
	}
	f["image/object/bbox/xmin"] = xmins
	f["image/object/bbox/ymin"] = ymins
	f["image/object/bbox/xmax"] = xmaxs
	f["image/object/bbox/ymax"] = ymaxs
	f["image/object/class/text"] = classes
	f["image/object/class/label"] = classIDs

	return f, nil
}

// WriteTFRecord does a streaming conversion, serialisation and file write for the annotation data
// to one or more TFRecord files stored under recordFilePath (with "-NNNNN-of-NNNNN" suffixes added
// when numShards > 1). numShards is capped at the number of files so that every declared shard is
// written. The label map for taxonomy is written to labelMapPath.
func WriteTFRecord(recordFilePath, labelMapPath string, data []AnnotatedFile, taxonomy Taxonomy,
	numShards int) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("conversion to TensorFlow Example failed: %v", e)
		}
	}()

	if numShards > len(data) {
		numShards = len(data)
	}
	if numShards <= 0 {
		numShards = 1
	}

	var shardFile *os.File
	defer func() {
		if shardFile != nil {
			closeWithErrCheck(shardFile, &err)
		}
	}()

	shardSize := int(math.Ceil(float64(len(data)) / float64(numShards)))
	shardIdx := -1
	written := 0

	for i, fileData := range data {
		// Open the next shard when the current one is full.
		if i%shardSize == 0 {
			shardIdx++

			if shardFile != nil {
				if err := shardFile.Close(); err != nil {
					return fmt.Errorf("failed to close shard: %w", err)
				}
				shardFile = nil
			}

			shardPath := recordFilePath
			if numShards > 1 {
				shardPath += fmt.Sprintf("-%05d-of-%05d", shardIdx, numShards)
			}
			f, err := os.Create(shardPath)
			if err != nil {
				return fmt.Errorf("failed to create shard at %q: %w", shardPath, err)
			}
			shardFile = f
		}

		features, err := toTFFeatures(fileData)
		if err != nil {
			slog.Warn("Failed to convert, skipping", "image", fileData.FilePath, "error", err)
			continue
		}

		if err := writeTFRecordExample(shardFile, example.New(features)); err != nil {
			return fmt.Errorf("failed to write example for %q: %w", fileData.FilePath, err)
		}
		written++
	}

	slog.Info("Wrote TFRecord examples", "examples", written, "shards", shardIdx+1,
		"path", recordFilePath)

	return saveTFRecordLabelMap(labelMapPath, taxonomy)
}

// writeTFRecordExample serialises the example and writes it as a TFRecord to w.
func writeTFRecordExample(w io.Writer, e *tensorflow.Example) error {
	enc, err := proto.Marshal(e)
	if err != nil {
		return err
	}

	return tfrecord.Write(w, enc)
}

// saveTFRecordLabelMap writes the taxonomy as a StringIntLabelMap in prototxt format to path.
func saveTFRecordLabelMap(path string, taxonomy Taxonomy) error {
	var b strings.Builder
	for i, c := range taxonomy {
		fmt.Fprintf(&b, "item {\n  name: %q\n  id: %d\n}\n", c.Name, i+1)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write the label map %q: %w", path, err)
	}
	return nil
}
