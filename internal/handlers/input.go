package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cleancity/cleancity-ai/internal/models"
	"github.com/cleancity/cleancity-ai/internal/submission"
)

// formError is a malformed request, reported to the user as is
type formError struct {
	status  int
	message string
}

func (e *formError) Error() string {
	return e.message
}

var (
	errInvalidLocation = &formError{status: http.StatusBadRequest, message: "Invalid location."}
	errNotAnImage      = &formError{status: http.StatusBadRequest, message: "Only image files are allowed."}
	errBadForm         = &formError{status: http.StatusBadRequest, message: "Failed to parse form."}
	errBadJSON         = &formError{status: http.StatusBadRequest, message: "Invalid JSON body."}
)

// multipartOverhead leaves room for the text fields around the photo
const multipartOverhead = 1 << 20

// parseMultipartInput reads the report form. The returned cleanup closes the photo and removes temp files.
func parseMultipartInput(w http.ResponseWriter, r *http.Request) (submission.SubmitInput, func(), error) {
	cleanup := func() {}
	r.Body = http.MaxBytesReader(w, r.Body, submission.MaxImageSize+multipartOverhead)

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return submission.SubmitInput{}, cleanup, submission.ErrFileTooLarge
		case errors.Is(err, http.ErrNotMultipart):
			if err := r.ParseForm(); err != nil {
				return submission.SubmitInput{}, cleanup, errBadForm
			}
		default:
			return submission.SubmitInput{}, cleanup, errBadForm
		}
	}
	if r.MultipartForm != nil {
		form := r.MultipartForm
		cleanup = func() { form.RemoveAll() }
	}

	location, err := parseLocation(r.FormValue("lat"), r.FormValue("lng"))
	if err != nil {
		return submission.SubmitInput{}, cleanup, err
	}

	input := submission.SubmitInput{
		Description: r.FormValue("description"),
		Location:    location,
	}

	file, header, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return input, cleanup, nil
	case err != nil:
		return submission.SubmitInput{}, cleanup, errBadForm
	}

	removeForm := cleanup
	cleanup = func() {
		file.Close()
		removeForm()
	}

	contentType := header.Header.Get("Content-Type")
	if !acceptedImageType(contentType) {
		return submission.SubmitInput{}, cleanup, errNotAnImage
	}

	input.Image = &submission.Upload{
		Reader:      file,
		Size:        header.Size,
		ContentType: contentType,
	}
	return input, cleanup, nil
}

// submitRequest is the JSON form of a submission. Image is a data URI or bare base64.
type submitRequest struct {
	Description string           `json:"description"`
	Image       string           `json:"image,omitempty"`
	Location    *models.Location `json:"location,omitempty"`
}

func parseJSONInput(w http.ResponseWriter, r *http.Request) (submission.SubmitInput, error) {
	limit := int64(base64.StdEncoding.EncodedLen(submission.MaxImageSize)) + multipartOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return submission.SubmitInput{}, submission.ErrFileTooLarge
		}
		return submission.SubmitInput{}, errBadJSON
	}

	if req.Location != nil && !validCoordinates(req.Location.Lat, req.Location.Lng) {
		return submission.SubmitInput{}, errInvalidLocation
	}

	input := submission.SubmitInput{
		Description: req.Description,
		Location:    req.Location,
	}
	if req.Image == "" {
		return input, nil
	}

	contentType, payload := "", req.Image
	if strings.HasPrefix(payload, "data:") {
		header, data, ok := strings.Cut(strings.TrimPrefix(payload, "data:"), ",")
		if !ok {
			return submission.SubmitInput{}, errNotAnImage
		}
		contentType = strings.TrimSuffix(header, ";base64")
		payload = data
	}
	if !acceptedImageType(contentType) {
		return submission.SubmitInput{}, errNotAnImage
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return submission.SubmitInput{}, errNotAnImage
	}

	input.Image = &submission.Upload{
		Reader:      bytes.NewReader(raw),
		Size:        int64(len(raw)),
		ContentType: contentType,
	}
	return input, nil
}

// parseLocation accepts both coordinates or neither
func parseLocation(latValue, lngValue string) (*models.Location, error) {
	latValue, lngValue = strings.TrimSpace(latValue), strings.TrimSpace(lngValue)
	if latValue == "" && lngValue == "" {
		return nil, nil
	}

	lat, err := strconv.ParseFloat(latValue, 64)
	if err != nil {
		return nil, errInvalidLocation
	}
	lng, err := strconv.ParseFloat(lngValue, 64)
	if err != nil {
		return nil, errInvalidLocation
	}
	if !validCoordinates(lat, lng) {
		return nil, errInvalidLocation
	}

	return &models.Location{Lat: lat, Lng: lng}, nil
}

func validCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// acceptedImageType allows image types and leaves unknown ones to content sniffing
func acceptedImageType(contentType string) bool {
	if contentType == "" || contentType == "application/octet-stream" {
		return true
	}
	return strings.HasPrefix(contentType, "image/")
}
