package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"taskdeck/controller"
	"taskdeck/domain"
)

// Register wires up all board routes on the provided Echo instance.
func Register(e *echo.Echo, board Board, auth Authenticator, dedupe Deduper, profiles ProfileSource, projects ProjectSource, members MemberSource, logger *log.Logger) {
	e.GET("/api/projection", getProjection(board, auth, logger))
	e.GET("/api/tasks", getTasks(board, auth))
	e.POST("/api/commands", postCommands(board, auth, dedupe), GzipRequestMiddleware())
	e.GET("/api/profile", getProfile(auth, profiles))
	e.GET("/api/projects", getProjects(auth, projects))
	e.GET("/api/members", getMembers(auth, members))
	e.GET("/stream", streamProjection(board, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// resolveUser authenticates the request and makes sure the board holds
// that user's snapshot before any read or mutation runs against it.
func resolveUser(c echo.Context, board Board, auth Authenticator) (string, error) {
	ctx := c.Request().Context()
	userID, err := auth.UserIDFromAuthHeader(ctx, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	if err := board.EnsureUser(ctx, userID); err != nil {
		c.Logger().Error(err)
		return "", echo.NewHTTPError(http.StatusInternalServerError, "failed to load board")
	}
	return userID, nil
}

func getProjection(board Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newProjectionRequestMetrics(c.Request().Context(), logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(spanCtx, c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		loadStart := time.Now()
		loadErr := board.EnsureUser(spanCtx, userID)
		metrics.ObserveLoad(time.Since(loadStart))
		if loadErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(loadErr)
			err = c.String(http.StatusInternalServerError, "failed to load board")
			return err
		}

		mode := c.QueryParam("filter")
		metrics.SetFilterMode(mode)

		buildStart := time.Now()
		result := board.Project(mode, c.QueryParam("projectId"), c.QueryParam("q"))
		metrics.ObserveBuild(time.Since(buildStart))
		metrics.SetVisibleTasks(len(result.Visible))
		metrics.SetScans(board.Scans())

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, result)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// getTasks returns the raw working snapshot, without bucket indexes.
func getTasks(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := resolveUser(c, board, auth); err != nil {
			return err
		}
		tasks := board.Tasks()
		if tasks == nil {
			tasks = []domain.TaskRecord{}
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

func postCommands(board Board, auth Authenticator, dedupe Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := resolveUser(c, board, auth)
		if err != nil {
			return err
		}

		lr := io.LimitReader(c.Request().Body, postCommandMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		cmds := make([]domain.Command, 0, 4)
		if err := dec.Decode(&cmds); err != nil {
			return c.JSON(http.StatusBadRequest, postCommandResponse{Error: "invalid body"})
		}
		if len(cmds) == 0 {
			return c.JSON(http.StatusAccepted, postCommandResponse{})
		}

		keys := make([]string, len(cmds))
		for i := range cmds {
			if cmds[i].IdempotencyKey == "" {
				cmds[i].IdempotencyKey = uuid.NewString()
			}
			keys[i] = cmds[i].IdempotencyKey
		}

		fresh := cmds
		added := keys
		if dedupe != nil {
			newKeys, dedupeErr := dedupe.AddMany(ctx, userID, keys)
			if dedupeErr != nil {
				// Dedupe is best effort: roll back partial marks and
				// process the whole batch rather than drop it.
				c.Logger().Warnf("idempotency check failed, processing full batch: %v", dedupeErr)
				removeKeys(c, dedupe, userID, keys, newKeys)
			} else {
				fresh = make([]domain.Command, 0, len(cmds))
				added = make([]string, 0, len(keys))
				for i, isNew := range newKeys {
					if isNew {
						fresh = append(fresh, cmds[i])
						added = append(added, keys[i])
					}
				}
				if len(fresh) == 0 {
					return c.JSON(http.StatusAccepted, postCommandResponse{IdempotencyKeys: keys})
				}
			}
		}

		if _, err := board.Apply(ctx, fresh); err != nil {
			if dedupe != nil {
				unmarkAll(c, dedupe, userID, added)
			}
			if errors.Is(err, controller.ErrUnknownTask) || errors.Is(err, controller.ErrUnknownCommand) {
				return c.JSON(http.StatusBadRequest, postCommandResponse{Error: err.Error()})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, postCommandResponse{Error: "failed to enqueue commands"})
		}

		return c.JSON(http.StatusAccepted, postCommandResponse{IdempotencyKeys: keys})
	}
}

// removeKeys unmarks the keys a partially failed AddMany managed to record.
func removeKeys(c echo.Context, dedupe Deduper, userID string, keys []string, marked []bool) {
	for i := range marked {
		if i >= len(keys) || !marked[i] {
			continue
		}
		if err := dedupe.Remove(c.Request().Context(), userID, keys[i]); err != nil {
			c.Logger().Warnf("failed to unmark idempotency key %s: %v", keys[i], err)
		}
	}
}

func unmarkAll(c echo.Context, dedupe Deduper, userID string, keys []string) {
	for _, key := range keys {
		if err := dedupe.Remove(c.Request().Context(), userID, key); err != nil {
			c.Logger().Warnf("failed to unmark idempotency key %s: %v", key, err)
		}
	}
}

func getProfile(auth Authenticator, profiles ProfileSource) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(ctx, c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		profile, err := profiles.Profile(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to load profile")
		}
		return c.JSON(http.StatusOK, profile)
	}
}

// getProjects lists the user's projects for the board's filter dropdown,
// served through the read-model cache.
func getProjects(auth Authenticator, projects ProjectSource) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(ctx, c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		records, err := projects.FetchProjects(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to load projects")
		}
		if records == nil {
			records = []domain.ProjectRecord{}
		}
		return c.JSON(http.StatusOK, records)
	}
}

func getMembers(auth Authenticator, members MemberSource) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(ctx, c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		projectID := c.QueryParam("projectId")
		if projectID == "" {
			return c.String(http.StatusBadRequest, "projectId is required")
		}
		records, err := members.FetchMembers(ctx, projectID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to load members")
		}
		if records == nil {
			records = []domain.MemberRecord{}
		}
		return c.JSON(http.StatusOK, records)
	}
}

// streamProjection re-emits the requested projection over SSE whenever
// the board snapshot is replaced.
func streamProjection(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(ctx, authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := board.EnsureUser(ctx, userID); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to load board")
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		mode := c.QueryParam("filter")
		projectID := c.QueryParam("projectId")
		query := c.QueryParam("q")

		ch, cancel := board.Watch()
		defer cancel()
		for {
			result := board.Project(mode, projectID, query)
			data, err := sonic.Marshal(result)
			if err != nil {
				c.Logger().Error(err)
				return err
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return err
			}
			if _, err := c.Response().Write(data); err != nil {
				return err
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()
			select {
			case <-ctx.Done():
				return nil
			case <-ch:
				continue
			}
		}
	}
}
