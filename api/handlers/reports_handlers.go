package handlers

import (
	"net/http"
	"strconv"

	"setu/core/reports"
	"setu/core/store"
	"setu/core/utils"
)

type ReportsHandler struct {
	svc       *reports.Service
	maxUpload int64
	logger    *utils.Logger
}

func NewReportsHandler(svc *reports.Service, maxUploadBytes int64, logger *utils.Logger) *ReportsHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &ReportsHandler{svc: svc, maxUpload: maxUploadBytes, logger: logger}
}

type createReportForm struct {
	SubmissionID string  `validate:"max=64" msg:"reports.submissionInvalid"`
	Title        string  `validate:"required,max=200" msg:"reports.titleInvalid"`
	Description  string  `validate:"max=5000" msg:"reports.descriptionTooLong"`
	Category     string  `validate:"required,max=40" msg:"reports.categoryInvalid"`
	Latitude     float64 `validate:"gte=-90,lte=90" msg:"reports.locationInvalid"`
	Longitude    float64 `validate:"gte=-180,lte=180" msg:"reports.locationInvalid"`
}

type patchReportRequest struct {
	Title       *string `json:"title" validate:"omitempty,max=200" msg:"reports.titleInvalid"`
	Description *string `json:"description" validate:"omitempty,max=5000" msg:"reports.descriptionTooLong"`
}

type reportEnvelope struct {
	Report  *store.Report `json:"report"`
	Created *bool         `json:"created,omitempty"`
}

// Create takes a multipart form with the report fields and one to three
// files under "photos".
func (h *ReportsHandler) Create(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	if err := parseMultipart(w, r, int64(reports.MaxPhotos)*h.maxUpload+(1<<20)); err != nil {
		writeMultipartError(w, err)
		return
	}
	form := createReportForm{
		SubmissionID: formValue(r, "submission_id"),
		Title:        formValue(r, "title"),
		Description:  formValue(r, "description"),
		Category:     formValue(r, "category"),
	}
	var err error
	if form.Latitude, err = strconv.ParseFloat(formValue(r, "latitude"), 64); err != nil {
		writeErrorKey(w, http.StatusBadRequest, "reports.locationInvalid")
		return
	}
	if form.Longitude, err = strconv.ParseFloat(formValue(r, "longitude"), 64); err != nil {
		writeErrorKey(w, http.StatusBadRequest, "reports.locationInvalid")
		return
	}
	if !validStruct(w, &form) {
		return
	}
	files, closeFiles, err := openFiles(r, "photos")
	defer closeFiles()
	if err != nil {
		writeErrorKey(w, http.StatusBadRequest, "common.badRequest")
		return
	}
	in := reports.NewReport{
		SubmissionID: form.SubmissionID,
		Title:        form.Title,
		Description:  form.Description,
		Category:     form.Category,
		Latitude:     form.Latitude,
		Longitude:    form.Longitude,
	}
	for _, f := range files {
		in.Photos = append(in.Photos, reports.Upload{Filename: f.name, Body: f.file})
	}
	report, created, err := h.svc.Create(r.Context(), viewer, in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, reportEnvelope{Report: report, Created: &created})
}

func (h *ReportsHandler) Get(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, reportEnvelope{Report: report})
}

func (h *ReportsHandler) Update(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	var req patchReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	report, err := h.svc.Update(r.Context(), viewer, urlParam(r, "id"), reports.Patch{Title: req.Title, Description: req.Description})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, reportEnvelope{Report: report})
}

// Feed is the public activity feed, newest first.
func (h *ReportsHandler) Feed(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, reports.FeedFilter(queryInt(r, "limit")))
}

func (h *ReportsHandler) Mine(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	h.list(w, r, reports.MineFilter(viewer, queryInt(r, "limit")))
}

func (h *ReportsHandler) Assigned(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	h.list(w, r, reports.AssignedFilter(viewer, queryInt(r, "limit")))
}

func (h *ReportsHandler) Volunteered(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	items, err := h.svc.Volunteered(r.Context(), viewer, queryInt(r, "limit"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *ReportsHandler) list(w http.ResponseWriter, r *http.Request, f store.ReportFilter) {
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := store.ParseStatus(raw)
		if !ok {
			writeErrorKey(w, http.StatusBadRequest, "reports.statusInvalid")
			return
		}
		f.Statuses = []store.Status{status}
	}
	items, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *ReportsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	report, err := h.svc.Accept(r.Context(), viewer, urlParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, reportEnvelope{Report: report})
}

// Complete takes a multipart form with the after photo under "after_photo".
func (h *ReportsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	var after *reports.Upload
	if isMultipart(r) {
		if err := parseMultipart(w, r, h.maxUpload+(1<<20)); err != nil {
			writeMultipartError(w, err)
			return
		}
		files, closeFiles, err := openFiles(r, "after_photo")
		defer closeFiles()
		if err != nil {
			writeErrorKey(w, http.StatusBadRequest, "common.badRequest")
			return
		}
		if len(files) > 0 {
			after = &reports.Upload{Filename: files[0].name, Body: files[0].file}
		}
	}
	report, err := h.svc.Complete(r.Context(), viewer, urlParam(r, "id"), after)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, reportEnvelope{Report: report})
}

func (h *ReportsHandler) Volunteer(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerOrReject(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Volunteer(r.Context(), viewer, urlParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"volunteer": res.Volunteer, "created": res.Created})
}

func (h *ReportsHandler) Volunteers(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Volunteers(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
