package dashboard

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/labstack/echo/v4"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/sensorable/satdet/internal/detector"
)

// DetectionResponse is the result of POST /api/v1/detections.
type DetectionResponse struct {
	RequestID  string               `json:"request_id"`
	Width      int                  `json:"width"`
	Height     int                  `json:"height"`
	Detections []detector.Detection `json:"detections"`
	Counts     map[string]int       `json:"counts"`
	Image      string               `json:"image"` // Annotated PNG as a data URL.
}

// ModelInfo is the result of GET /api/v1/model.
type ModelInfo struct {
	Path      string   `json:"path"`
	InputSize int      `json:"input_size"`
	Classes   []string `json:"classes"`
	Conf      float64  `json:"conf"`
	IoU       float64  `json:"iou"`
}

func (s *Server) handleIndex(c echo.Context) error {
	return c.HTML(http.StatusOK, indexHTML)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(c echo.Context) error {
	return c.JSON(http.StatusOK, ModelInfo{
		Path:      s.det.ModelPath(),
		InputSize: s.det.InputSize(),
		Classes:   s.det.Classes(),
		Conf:      s.cfg.Thresholds.Conf,
		IoU:       s.cfg.Thresholds.IoU,
	})
}

func (s *Server) handleDetections(c echo.Context) error {
	img, dets, err := s.detectUpload(c)
	if err != nil {
		return err
	}

	annotated, err := encodePNG(detector.Render(img, dets, s.det.Classes()))
	if err != nil {
		return err
	}

	b := img.Bounds()
	return c.JSON(http.StatusOK, DetectionResponse{
		RequestID:  c.Response().Header().Get(echo.HeaderXRequestID),
		Width:      b.Dx(),
		Height:     b.Dy(),
		Detections: dets,
		Counts:     detector.Counts(dets),
		Image:      "data:image/png;base64," + base64.StdEncoding.EncodeToString(annotated),
	})
}

func (s *Server) handleAnnotate(c echo.Context) error {
	img, dets, err := s.detectUpload(c)
	if err != nil {
		return err
	}

	annotated, err := encodePNG(detector.Render(img, dets, s.det.Classes()))
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "image/png", annotated)
}

// detectUpload decodes the uploaded image and thresholds and runs the detector. Inference
// failures are reported to the client with their original message.
func (s *Server) detectUpload(c echo.Context) (image.Image, []detector.Detection, error) {
	th, err := s.thresholds(c)
	if err != nil {
		return nil, nil, err
	}
	img, err := s.readImage(c)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	dets, err := s.det.Detect(c.Request().Context(), img, th)
	elapsed := time.Since(start)
	if dets == nil {
		dets = []detector.Detection{}
	}
	counts := detector.Counts(dets)
	s.metrics.ObserveInference(elapsed, counts, err)

	if err != nil {
		s.logger.Error("Inference failed", "error", err,
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
		return nil, nil, newHTTPError(http.StatusInternalServerError, "inference_failed",
			err.Error())
	}

	s.logger.Debug("Inference complete", "detections", len(dets), "duration", elapsed,
		"conf", th.Conf, "iou", th.IoU)
	return img, dets, nil
}

// thresholds reads the optional conf and iou form values, falling back to the configured ones.
func (s *Server) thresholds(c echo.Context) (detector.Thresholds, error) {
	th := s.cfg.Thresholds
	for _, f := range []struct {
		name string
		dst  *float64
	}{{"conf", &th.Conf}, {"iou", &th.IoU}} {
		v := c.FormValue(f.name)
		if v == "" {
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return th, newHTTPError(http.StatusBadRequest, "invalid_threshold",
				f.name+" must be a number, got "+strconv.Quote(v))
		}
		*f.dst = x
	}
	if err := th.Validate(); err != nil {
		return th, newHTTPError(http.StatusBadRequest, "invalid_threshold", err.Error())
	}
	return th, nil
}

// readImage decodes the uploaded file. Images larger than the configured pixel limit are rejected
// from their header, before the pixels are decoded.
func (s *Server) readImage(c echo.Context) (image.Image, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "missing_file",
			"upload an image in the \"file\" form field")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "invalid_image", err.Error())
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "invalid_image",
			"cannot decode "+strconv.Quote(fh.Filename)+": "+err.Error())
	}
	maxPixels := s.cfg.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, newHTTPError(http.StatusRequestEntityTooLarge, "image_too_large",
			fmt.Sprintf("image is %dx%d, more than %d pixels", cfg.Width, cfg.Height, maxPixels))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "invalid_image", err.Error())
	}

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "invalid_image",
			"cannot decode "+strconv.Quote(fh.Filename)+": "+err.Error())
	}
	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
