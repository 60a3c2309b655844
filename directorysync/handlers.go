package directorysync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/export"
	"bitbucket.org/mmdatafocus/directory_backend/middlewares"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/reconciler"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func (s *Service) TokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}

		username := strings.TrimSpace(os.Getenv("OPERATOR_USERNAME"))
		hash := os.Getenv("OPERATOR_PASSWORD_HASH")
		if username == "" || hash == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "operator login is not configured"})
			return
		}
		if req.Username != username || utils.ComparePassword(hash, req.Password) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
			return
		}

		token, err := utils.JwtGenerate(username, utils.RoleOperator)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, TokenResponse{Token: token})
	}
}

func (s *Service) TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestedBy, _ := utils.GetUsernameFromContext(c.Request.Context())
		resp, err := s.Trigger(c.Request.Context(), models.TriggerAPI, requestedBy)
		if errors.Is(err, reconciler.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

func (s *Service) ProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Engine.Progress().Snapshot())
	}
}

func (s *Service) ResetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.Engine.ForceReset(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reset": n})
	}
}

func (s *Service) SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := queryLimit(c, models.DefaultRunHistoryLimit, models.MaxRunHistoryLimit)
		runs, err := s.Engine.History(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func (s *Service) SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		run, err := models.GetRunHistory(c.Request.Context(), s.DB, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		resp := SyncRunDetailResponse{SyncRunResponse: mapRunToResponse(run)}
		if run.StatsJSON != "" && json.Valid([]byte(run.StatsJSON)) {
			resp.Stats = json.RawMessage(run.StatsJSON)
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Service) ChangeLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		q := models.ChangeLogQuery{
			Limit: queryLimit(c, models.DefaultChangeLogLimit, models.MaxChangeLogLimit),
		}
		if raw := strings.TrimSpace(c.Query("runId")); raw != "" {
			runId, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid runId"})
				return
			}
			q.RunId = &runId
		}
		if cursor := strings.TrimSpace(c.Query("cursor")); cursor != "" {
			q.Cursor = &cursor
		}

		page, err := s.Engine.ChangeLog(c.Request.Context(), q)
		if errors.Is(err, models.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

func (s *Service) DistrictsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		active, ok := queryBool(c, "active")
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid active"})
			return
		}
		ctx := c.Request.Context()
		districts, err := models.ListDistricts(ctx, s.DB, models.DistrictFilter{Active: active})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]DistrictResponse, 0, len(districts))
		for _, d := range districts {
			units, err := middlewares.GetDistrictUnits(ctx, d.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			items = append(items, DistrictResponse{District: d, ActiveUnits: len(units)})
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func (s *Service) UnitsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		active, ok := queryBool(c, "active")
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid active"})
			return
		}
		filter := models.LocalUnitFilter{Active: active}
		if raw := strings.TrimSpace(c.Query("districtId")); raw != "" {
			districtId, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid districtId"})
				return
			}
			filter.DistrictId = &districtId
		}

		ctx := c.Request.Context()
		units, err := models.ListLocalUnits(ctx, s.DB, filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ids := make([]int, len(units))
		for i, u := range units {
			ids[i] = u.DistrictId
		}
		districts, errs := middlewares.GetDistricts(ctx, ids)
		for _, err := range errs {
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		items := make([]UnitResponse, 0, len(units))
		for i, u := range units {
			items = append(items, UnitResponse{LocalUnit: u, DistrictName: districts[i].Name})
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func (s *Service) ExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := export.BuildWorkbook(c.Request.Context(), s.DB)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer f.Close()

		buf, err := f.WriteToBuffer()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		name := export.FileName(time.Now())
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		c.Data(http.StatusOK, export.ContentType, buf.Bytes())
	}
}

func queryLimit(c *gin.Context, def, max int) int {
	limit := def
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// queryBool returns nil when the parameter is absent and false when it does not parse.
func queryBool(c *gin.Context, key string) (*bool, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, false
	}
	return &v, true
}
