package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/awheeler/fieldsync/internal/queue"
)

// unitStatusRequest is the wire shape for a unit status submission.
// All GPS values travel as strings; see gpsStrings for the contract
// around missing fields.
type unitStatusRequest struct {
	ID               string      `json:"id"`
	Type             int         `json:"type"`
	Note             string      `json:"note"`
	RespondingTo     string      `json:"respondingTo"`
	Timestamp        string      `json:"timestamp"`
	TimestampUtc     string      `json:"timestampUtc"`
	Roles            []roleEntry `json:"roles,omitempty"`
	Latitude         string      `json:"latitude"`
	Longitude        string      `json:"longitude"`
	Accuracy         string      `json:"accuracy"`
	Altitude         string      `json:"altitude"`
	AltitudeAccuracy string      `json:"altitudeAccuracy"`
	Speed            string      `json:"speed"`
	Heading          string      `json:"heading"`
}

type roleEntry struct {
	RoleID string `json:"roleId"`
	UserID string `json:"userId"`
}

// unitLocationRequest is the wire shape for a unit location fix.
// Optional fields travel as empty strings rather than being omitted.
type unitLocationRequest struct {
	UnitID    string `json:"unitId"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Accuracy  string `json:"accuracy"`
	Heading   string `json:"heading"`
	Speed     string `json:"speed"`
	Timestamp string `json:"timestamp"`
}

// SubmitStatus delivers a unit status update.
func (c *Client) SubmitStatus(ctx context.Context, p queue.StatusPayload) error {
	req := unitStatusRequest{
		ID:           p.UnitID,
		Type:         p.StatusType,
		Note:         p.Note,
		RespondingTo: p.RespondingTo,
		Timestamp:    p.Timestamp.Format(time.RFC3339),
		TimestampUtc: p.Timestamp.UTC().Format(http.TimeFormat),
	}

	for _, r := range p.Roles {
		req.Roles = append(req.Roles, roleEntry(r))
	}

	req.Latitude, req.Longitude, req.Accuracy, req.Altitude, req.AltitudeAccuracy, req.Speed, req.Heading = gpsStrings(p)

	if err := c.post(ctx, "/units/status", req, nil); err != nil {
		return fmt.Errorf("submitting unit status: %w", err)
	}

	return nil
}

// SubmitLocation delivers a unit location fix.
func (c *Client) SubmitLocation(ctx context.Context, p queue.LocationPayload) error {
	req := unitLocationRequest{
		UnitID:    p.UnitID,
		Latitude:  formatCoord(p.Latitude),
		Longitude: formatCoord(p.Longitude),
		Accuracy:  optionalCoord(p.Accuracy),
		Heading:   optionalCoord(p.Heading),
		Speed:     optionalCoord(p.Speed),
		Timestamp: p.Timestamp.Format(time.RFC3339),
	}

	if err := c.post(ctx, "/units/location", req, nil); err != nil {
		return fmt.Errorf("submitting unit location: %w", err)
	}

	return nil
}

// UploadMedia delivers a captured media attachment.
func (c *Client) UploadMedia(ctx context.Context, p queue.MediaPayload) error {
	fields := map[string]string{
		"callId":    p.CallID,
		"userId":    p.UserID,
		"note":      p.Note,
		"latitude":  optionalCoord(p.Latitude),
		"longitude": optionalCoord(p.Longitude),
	}

	if err := c.uploadMultipart(ctx, "/calls/media", fields, "file", p.FileName, p.FilePath); err != nil {
		return fmt.Errorf("uploading media: %w", err)
	}

	return nil
}

// gpsStrings applies the GPS submission contract: when both latitude
// and longitude are present, all six fields are submitted as decimal
// strings with any individually missing value defaulting to "0". When
// either coordinate is absent, every field is submitted as "" rather
// than omitted.
func gpsStrings(p queue.StatusPayload) (lat, lon, acc, alt, altAcc, speed, heading string) {
	if p.Latitude == nil || p.Longitude == nil {
		return "", "", "", "", "", "", ""
	}

	return formatCoord(*p.Latitude),
		formatCoord(*p.Longitude),
		zeroCoord(p.Accuracy),
		zeroCoord(p.Altitude),
		zeroCoord(p.AltitudeAccuracy),
		zeroCoord(p.Speed),
		zeroCoord(p.Heading)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// zeroCoord formats an optional value, defaulting to "0" when absent.
func zeroCoord(v *float64) string {
	if v == nil {
		return "0"
	}
	return formatCoord(*v)
}

// optionalCoord formats an optional value, defaulting to "" when absent.
func optionalCoord(v *float64) string {
	if v == nil {
		return ""
	}
	return formatCoord(*v)
}
