package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-evaluator/internal/config"
	"github.com/noah-isme/gema-evaluator/internal/dto"
	"github.com/noah-isme/gema-evaluator/internal/handler"
	"github.com/noah-isme/gema-evaluator/internal/middleware"
	"github.com/noah-isme/gema-evaluator/internal/models"
	"github.com/noah-isme/gema-evaluator/internal/queue"
	"github.com/noah-isme/gema-evaluator/internal/repository"
	"github.com/noah-isme/gema-evaluator/internal/router"
	"github.com/noah-isme/gema-evaluator/internal/service"
	"github.com/noah-isme/gema-evaluator/internal/utils"
	"github.com/noah-isme/gema-evaluator/internal/worker"
	"github.com/noah-isme/gema-evaluator/pkg/evaluator"
)

const testJWTSecret = "handler-secret"

type evaluationApp struct {
	app       *fiber.App
	db        *gorm.DB
	queue     *queue.RedisQueue
	processor service.EvaluationProcessor
}

type envelope struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Data    json.RawMessage    `json:"data"`
	Errors  []utils.FieldError `json:"errors"`
}

func setupEvaluationApp(t *testing.T) evaluationApp {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:handler_%s?mode=memory&cache=shared", name)), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Task{}, &models.Submission{}, &models.AIEvaluation{}))

	redisServer := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := zerolog.New(io.Discard)
	policy := worker.DefaultPolicy()
	submissions := repository.NewSubmissionRepository(db)
	evaluations := repository.NewEvaluationRepository(db)
	jobs := queue.NewRedisQueue(client, "test:evaluations", log)
	events := service.NewEvaluationEvents(nil, "", log)

	svc := service.NewEvaluationService(submissions, evaluations, jobs, policy, validator.New(validator.WithRequiredStructEnabled()), log)
	processor := service.NewEvaluationProcessor(submissions, evaluations, evaluator.NewLocalEvaluator(), events, policy, log)

	cfg := config.Config{AppName: "Test", AppEnv: "test", JWTSecret: testJWTSecret}
	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: log})
	router.Register(app, cfg, router.Dependencies{
		EvaluationHandler: handler.NewEvaluationHandler(svc, events, log, time.Second),
		HealthHandler:     handler.NewHealthHandler(cfg, nil),
		JWTMiddleware:     middleware.JWTProtected(testJWTSecret),
	})

	return evaluationApp{app: app, db: db, queue: jobs, processor: processor}
}

func (a evaluationApp) seed(t *testing.T, status models.EvaluationStatus) models.Submission {
	t.Helper()
	task := models.Task{Title: "Portfolio", Description: "Publish a portfolio site"}
	require.NoError(t, a.db.Create(&task).Error)
	submission := models.Submission{
		TaskID:           task.ID,
		StudentID:        5,
		RepoURL:          "https://github.com/student/portfolio",
		AnswerText:       "deployed with a CI pipeline",
		EvaluationStatus: status,
	}
	require.NoError(t, a.db.Create(&submission).Error)
	return submission
}

func (a evaluationApp) do(t *testing.T, method, path, role string, body []byte) (*http.Response, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		token, err := middleware.SignToken(testJWTSecret, 5, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var payload envelope
	require.NoError(t, json.Unmarshal(raw, &payload), string(raw))
	return resp, payload
}

func (a evaluationApp) runNextJob(t *testing.T) {
	t.Helper()
	job, err := a.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.processor.Handle(context.Background(), job))
}

func TestEvaluationHandlerEnqueueAndPoll(t *testing.T) {
	a := setupEvaluationApp(t)
	submission := a.seed(t, models.EvaluationStatusQueued)
	base := fmt.Sprintf("/api/v2/submissions/%d", submission.ID)

	resp, payload := a.do(t, http.MethodPost, base+"/evaluation", "student", nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	var queued dto.EnqueueEvaluationResponse
	require.NoError(t, json.Unmarshal(payload.Data, &queued))
	require.NotEmpty(t, queued.EvaluationRequestID)
	require.Equal(t, "queued", queued.EvaluationStatus)

	resp, payload = a.do(t, http.MethodGet, base+"/evaluation", "student", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var status dto.EvaluationStatusResponse
	require.NoError(t, json.Unmarshal(payload.Data, &status))
	require.Equal(t, "queued", status.EvaluationStatus)
	require.False(t, status.IsTerminal)

	a.runNextJob(t)

	resp, payload = a.do(t, http.MethodGet, base+"/evaluation", "student", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(payload.Data, &status))
	require.Equal(t, "completed", status.EvaluationStatus)
	require.True(t, status.IsTerminal)
	require.NotNil(t, status.AIScore)
	require.NotNil(t, status.LatestAIEvaluation)
	require.Equal(t, queued.EvaluationRequestID, status.LatestAIEvaluation.EvaluationRequestID)

	resp, _ = a.do(t, http.MethodPost, base+"/evaluation", "student", nil)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestEvaluationHandlerErrors(t *testing.T) {
	a := setupEvaluationApp(t)
	evaluating := a.seed(t, models.EvaluationStatusEvaluating)

	resp, payload := a.do(t, http.MethodPost, "/api/v2/submissions/9999/evaluation", "student", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	require.False(t, payload.Success)

	resp, _ = a.do(t, http.MethodGet, "/api/v2/submissions/abc/evaluation", "student", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, fmt.Sprintf("/api/v2/submissions/%d/evaluation", evaluating.ID), "student", nil)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, _ = a.do(t, http.MethodGet, fmt.Sprintf("/api/v2/submissions/%d/evaluation", evaluating.ID), "", nil)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestEvaluationHandlerHistoryHidesInternalsFromStudents(t *testing.T) {
	a := setupEvaluationApp(t)
	submission := a.seed(t, models.EvaluationStatusQueued)
	base := fmt.Sprintf("/api/v2/submissions/%d", submission.ID)

	resp, _ := a.do(t, http.MethodPost, base+"/evaluation", "student", nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	a.runNextJob(t)

	_, payload := a.do(t, http.MethodGet, base+"/evaluations", "student", nil)
	var records []dto.EvaluationRecordResponse
	require.NoError(t, json.Unmarshal(payload.Data, &records))
	require.Len(t, records, 1)
	require.Nil(t, records[0].Metadata)

	_, payload = a.do(t, http.MethodGet, base+"/evaluations?limit=5", "teacher", nil)
	require.NoError(t, json.Unmarshal(payload.Data, &records))
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Metadata)
	require.Contains(t, records[0].Metadata, "attempt")

	resp, _ = a.do(t, http.MethodGet, base+"/evaluations?limit=-1", "teacher", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestEvaluationHandlerRequeue(t *testing.T) {
	a := setupEvaluationApp(t)
	submission := a.seed(t, models.EvaluationStatusTimedOut)
	path := fmt.Sprintf("/api/v2/admin/submissions/%d/requeue", submission.ID)

	resp, _ := a.do(t, http.MethodPost, path, "student", nil)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, payload := a.do(t, http.MethodPost, path, "teacher", []byte(`{"note":"evaluator is back"}`))
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	var requeued dto.EnqueueEvaluationResponse
	require.NoError(t, json.Unmarshal(payload.Data, &requeued))
	require.Equal(t, "queued", requeued.EvaluationStatus)

	job, err := a.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, requeued.EvaluationRequestID, job.EvaluationRequestID)
	require.Equal(t, service.OriginRequeue, job.Origin)

	resp, _ = a.do(t, http.MethodPost, path, "admin", []byte(`{"note":`))
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, payload = a.do(t, http.MethodPost, path, "admin", []byte(fmt.Sprintf(`{"note":%q}`, strings.Repeat("x", 501))))
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Equal(t, []utils.FieldError{{Field: "note", Rule: "max", Param: "500"}}, payload.Errors)
}

func TestEvaluationStatusContract(t *testing.T) {
	schemaPath, err := filepath.Abs(filepath.Join("testdata", "evaluation_status.schema.json"))
	require.NoError(t, err)
	schema, err := jsonschema.NewCompiler().Compile("file://" + filepath.ToSlash(schemaPath))
	require.NoError(t, err)

	a := setupEvaluationApp(t)
	submission := a.seed(t, models.EvaluationStatusQueued)
	path := fmt.Sprintf("/api/v2/submissions/%d/evaluation", submission.ID)

	validate := func() {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		token, err := middleware.SignToken(testJWTSecret, 5, "student", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := a.app.Test(req, -1)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)

		var document interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&document))
		require.NoError(t, schema.Validate(document))
	}

	validate()
	resp, _ := a.do(t, http.MethodPost, path, "student", nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	validate()
	a.runNextJob(t)
	validate()
}

func TestEvaluationStreamPushesUntilTerminal(t *testing.T) {
	a := setupEvaluationApp(t)
	submission := a.seed(t, models.EvaluationStatusQueued)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = a.app.Listener(listener) }()
	t.Cleanup(func() { _ = a.app.Shutdown() })

	resp, _ := a.do(t, http.MethodPost, fmt.Sprintf("/api/v2/submissions/%d/evaluation", submission.ID), "student", nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	token, err := middleware.SignToken(testJWTSecret, 5, "student", time.Hour)
	require.NoError(t, err)
	url := fmt.Sprintf("ws://%s/api/v2/submissions/%d/evaluation/ws?access_token=%s", listener.Addr().String(), submission.ID, token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first dto.EvaluationStatusResponse
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "queued", first.EvaluationStatus)

	a.runNextJob(t)

	var running dto.EvaluationStatusResponse
	require.NoError(t, conn.ReadJSON(&running))
	require.Equal(t, "evaluating", running.EvaluationStatus)
	require.False(t, running.IsTerminal)

	var final dto.EvaluationStatusResponse
	require.NoError(t, conn.ReadJSON(&final))
	require.Equal(t, "completed", final.EvaluationStatus)
	require.True(t, final.IsTerminal)

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
}

func TestEvaluationStreamRequiresUpgrade(t *testing.T) {
	a := setupEvaluationApp(t)
	submission := a.seed(t, models.EvaluationStatusQueued)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v2/submissions/%d/evaluation/ws", submission.ID), nil)
	token, err := middleware.SignToken(testJWTSecret, 5, "student", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	a := setupEvaluationApp(t)

	resp, payload := a.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.True(t, payload.Success)
	require.Equal(t, "Test", resp.Header.Get("X-Application"))
}

func TestHealthEndpointReportsDegradedDependency(t *testing.T) {
	cfg := config.Config{AppName: "Test"}
	app := fiber.New()
	router.Register(app, cfg, router.Dependencies{
		HealthHandler: handler.NewHealthHandler(cfg, map[string]handler.HealthCheckFunc{
			"database": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return fmt.Errorf("connection refused") },
		}),
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	var payload struct {
		Data handler.HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "degraded", payload.Data.Status)
	require.Equal(t, "down", payload.Data.Checks["redis"])
	require.Equal(t, "up", payload.Data.Checks["database"])
}
