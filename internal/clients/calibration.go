package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ParkingRow is one horizontal parking row line on the portrait canvas.
// Row 0 is the bottom row (largest Y).
type ParkingRow struct {
	RowIndex    int    `json:"row_index" validate:"gte=0"`
	YCoordinate int    `json:"y_coordinate" validate:"gte=0"`
	Label       string `json:"label"`
	StartX      *int   `json:"start_x,omitempty" validate:"omitempty,gte=0"`
	EndX        *int   `json:"end_x,omitempty" validate:"omitempty,gte=0"`
}

// Calibration is a camera's parking-area calibration
type Calibration struct {
	ID               string       `json:"_id,omitempty"`
	CameraID         string       `json:"camera_id" validate:"required"`
	Rows             []ParkingRow `json:"rows" validate:"min=1,max=10,dive"`
	MinSpaceWidth    float64      `json:"min_space_width" validate:"gte=10,lte=500"`
	SpaceCoefficient float64      `json:"space_coefficient" validate:"gte=0.1,lte=1"`
	RowStartX        int          `json:"row_start_x" validate:"gte=0"`
	RowEndX          int          `json:"row_end_x" validate:"gtfield=RowStartX"`
	CreatedAt        *Timestamp   `json:"created_at,omitempty"`
	UpdatedAt        *Timestamp   `json:"updated_at,omitempty"`
}

// DefaultRowEndX is the right boundary used when none is given
const DefaultRowEndX = 1920

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(calibrationRowOrder, Calibration{})
	return v
}

// calibrationRowOrder requires row Y coordinates in strictly descending order
func calibrationRowOrder(sl validator.StructLevel) {
	cal := sl.Current().Interface().(Calibration)
	for i := 1; i < len(cal.Rows); i++ {
		if cal.Rows[i].YCoordinate >= cal.Rows[i-1].YCoordinate {
			sl.ReportError(cal.Rows, "Rows", "rows", "descending_y", "")
			return
		}
	}
}

// Validate checks the calibration before it is sent to the backend
func (c *Calibration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid calibration: %s", describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "descending_y":
			msgs = append(msgs, "Y coordinates must be in descending order (bottom to top)")
		case "min":
			msgs = append(msgs, "at least one row is required")
		case "max":
			msgs = append(msgs, "maximum 10 rows allowed")
		case "gtfield":
			msgs = append(msgs, "row_end_x must be greater than row_start_x")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}

// ListCalibrations returns every camera calibration
func (c *ParkItClient) ListCalibrations(ctx context.Context) ([]Calibration, error) {
	var out []Calibration
	if err := c.getJSON(ctx, "/api/admin/calibration", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCalibration returns the calibration of one camera
func (c *ParkItClient) GetCalibration(ctx context.Context, cameraID string) (*Calibration, error) {
	var out Calibration
	if err := c.getJSON(ctx, "/api/admin/calibration/"+url.PathEscape(cameraID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateCalibration validates and creates a calibration
func (c *ParkItClient) CreateCalibration(ctx context.Context, cal *Calibration) (*Calibration, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	var out Calibration
	if err := c.sendJSON(ctx, http.MethodPost, "/api/admin/calibration", cal, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCalibration validates and replaces the calibration of one camera
func (c *ParkItClient) UpdateCalibration(ctx context.Context, cameraID string, cal *Calibration) (*Calibration, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	var out Calibration
	if err := c.sendJSON(ctx, http.MethodPut, "/api/admin/calibration/"+url.PathEscape(cameraID), cal, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCalibration removes the calibration of one camera
func (c *ParkItClient) DeleteCalibration(ctx context.Context, cameraID string) (*MessageResponse, error) {
	var out MessageResponse
	if err := c.sendJSON(ctx, http.MethodDelete, "/api/admin/calibration/"+url.PathEscape(cameraID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
