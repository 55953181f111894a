package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-queue/internal/auth"
	"github.com/ksred/klear-queue/internal/calendar"
	"github.com/ksred/klear-queue/internal/config"
	"github.com/ksred/klear-queue/internal/database"
	"github.com/ksred/klear-queue/internal/notify"
	"github.com/ksred/klear-queue/internal/orders"
	"github.com/ksred/klear-queue/internal/scheduler"
	"github.com/ksred/klear-queue/internal/settlement"
	"github.com/ksred/klear-queue/internal/types"
	"github.com/ksred/klear-queue/pkg/middleware"
)

const (
	numUsers       = 5
	minOrders      = 5
	maxOrders      = 30
	operatorKey    = "sim-operator"
	operatorSecret = "sim-operator-secret"
)

var symbols = []string{"TCS", "INFY", "RELIANCE", "HDFCBANK", "WIPRO"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// apiClient calls the order queue API as one principal
type apiClient struct {
	baseURL string
	token   string
	client  *http.Client
	stats   map[string]*routeStats
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newStats() map[string]*routeStats {
	return map[string]*routeStats{
		"auth":      {name: "Authentication"},
		"deposit":   {name: "Deposit"},
		"place":     {name: "Place Order"},
		"sweep":     {name: "Sweep"},
		"orders":    {name: "List Orders"},
		"portfolio": {name: "Portfolio"},
	}
}

// do sends a JSON request and decodes the data field of the response into out
func (c *apiClient) do(route, method, path string, body interface{}, headers map[string]string, out interface{}) (err error) {
	start := time.Now()
	defer func() { c.stats[route].record(time.Since(start), err) }()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, env.Error.Message)
		}
		return fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *apiClient) authenticate(apiKey, apiSecret string) error {
	var token auth.TokenResponse
	err := c.do("auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{APIKey: apiKey, APISecret: apiSecret}, nil, &token)
	if err != nil {
		return err
	}
	c.token = token.Token
	return nil
}

func (c *apiClient) deposit(userID string, amount decimal.Decimal) error {
	return c.do("deposit", http.MethodPost, "/api/v1/internal/accounts/"+userID+"/deposit",
		map[string]interface{}{"amount": amount}, nil, nil)
}

func (c *apiClient) placeOrder(req orders.PlaceOrderRequest) (*types.QueuedOrder, error) {
	var order types.QueuedOrder
	err := c.do("place", http.MethodPost, "/api/v1/orders", req,
		map[string]string{"Idempotency-Key": uuid.New().String()}, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *apiClient) sweep() (*scheduler.SweepReport, error) {
	var report scheduler.SweepReport
	if err := c.do("sweep", http.MethodPost, "/api/v1/internal/scheduler/sweep", nil, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *apiClient) listOrders() ([]types.QueuedOrder, error) {
	var list []types.QueuedOrder
	err := c.do("orders", http.MethodGet, "/api/v1/orders", nil, nil, &list)
	return list, err
}

func (c *apiClient) portfolio() (*types.PortfolioResponse, error) {
	var p types.PortfolioResponse
	if err := c.do("portfolio", http.MethodGet, "/api/v1/portfolio", nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// main runs an in-process order queue with an always-open market, places
// random orders for several users, sweeps once and reports the outcome
func main() {
	baseURL, shutdown, err := startServer()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	defer shutdown()

	stats := newStats()
	httpClient := &http.Client{Timeout: 10 * time.Second}

	operator := &apiClient{baseURL: baseURL, client: httpClient, stats: stats}
	if err := operator.authenticate(operatorKey, operatorSecret); err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate operator")
	}

	started := time.Now()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		placed int
		failed int
	)

	for i := 0; i < numUsers; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()

			user := &apiClient{baseURL: baseURL, client: httpClient, stats: stats}
			if err := user.authenticate(userID, userID+"-secret"); err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Failed to authenticate")
				return
			}

			funds := decimal.NewFromInt(int64(rand.Intn(50000) + 10000))
			if err := operator.deposit(userID, funds); err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Failed to fund account")
				return
			}

			n := rand.Intn(maxOrders-minOrders) + minOrders
			for j := 0; j < n; j++ {
				action := types.ActionBuy
				if j > n/2 && rand.Intn(3) == 0 {
					action = types.ActionSell
				}
				req := orders.PlaceOrderRequest{
					Symbol:     symbols[rand.Intn(len(symbols))],
					Quantity:   int64(rand.Intn(20) + 1),
					Price:      decimal.NewFromInt(int64(rand.Intn(2000) + 100)),
					ActionType: action,
				}

				order, err := user.placeOrder(req)
				mu.Lock()
				if err != nil {
					failed++
				} else {
					placed++
				}
				mu.Unlock()

				if err != nil {
					log.Error().Err(err).Str("user_id", userID).Str("symbol", req.Symbol).Msg("Failed to place order")
					continue
				}
				log.Info().
					Str("user_id", userID).
					Str("order_id", order.OrderID).
					Str("symbol", order.Symbol).
					Str("action", string(order.ActionType)).
					Int64("quantity", order.Quantity).
					Str("price", order.Price.String()).
					Msg("Order queued")
			}
		}(fmt.Sprintf("CLIENT_%d", i))
	}
	wg.Wait()

	log.Info().Int("orders_placed", placed).Int("orders_rejected", failed).Msg("All orders queued, sweeping")

	report, err := operator.sweep()
	if err != nil {
		log.Fatal().Err(err).Msg("Sweep failed")
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ORDER QUEUE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Order Statistics
----------------
Placed:           %d
Rejected:         %d
Due at sweep:     %d
Executed:         %d
Failed:           %d
Skipped:          %d
Sweep duration:   %v
Total duration:   %v

`, placed, failed, report.Due, report.Executed, report.Failed, report.Skipped,
		report.Duration.Round(time.Millisecond), time.Since(started).Round(time.Millisecond))

	fmt.Printf("%-10s %14s %10s %10s %10s\n", "User", "Balance", "Positions", "Executed", "Failed")
	for i := 0; i < numUsers; i++ {
		userID := fmt.Sprintf("CLIENT_%d", i)
		user := &apiClient{baseURL: baseURL, client: httpClient, stats: stats}
		if err := user.authenticate(userID, userID+"-secret"); err != nil {
			continue
		}
		p, err := user.portfolio()
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to load portfolio")
			continue
		}
		list, _ := user.listOrders()
		var executed, rejected int
		for _, o := range list {
			switch o.Status {
			case types.OrderExecuted:
				executed++
			case types.OrderFailed:
				rejected++
			}
		}
		fmt.Printf("%-10s %14s %10d %10d %10d\n", userID, p.Balance.StringFixed(2), len(p.Positions), executed, rejected)
	}

	printPerformanceStats(stats)
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, s := range stats {
		min, max, mean, median, p95, p99 := s.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			s.name,
			s.totalCalls,
			s.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// simulationCalendar opens every day from 00:00 to 23:59 in a zone where now
// is around noon, leaving about twelve hours before the one-minute close.
func simulationCalendar(now time.Time) (*calendar.Calendar, error) {
	offset := (12 - now.UTC().Hour()) * 3600
	return calendar.New(calendar.Config{
		Location: time.FixedZone("SIM", offset),
		Open:     calendar.TimeOfDay{Hour: 0, Minute: 0},
		Close:    calendar.TimeOfDay{Hour: 23, Minute: 59},
		Weekdays: []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday},
	})
}

// startServer wires the full stack against a temporary SQLite file with a
// market that is open whenever the simulation runs
func startServer() (string, func(), error) {
	dir, err := os.MkdirTemp("", "klear-sim")
	if err != nil {
		return "", nil, err
	}

	db, err := database.NewDatabase(config.Database{Driver: "sqlite", DSN: filepath.Join(dir, "sim.db")})
	if err != nil {
		return "", nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	cal, err := simulationCalendar(time.Now())
	if err != nil {
		return "", nil, err
	}

	authService := auth.NewService("sim-secret", time.Hour)
	authService.RegisterAPICredentials(operatorKey, operatorSecret, auth.PermissionOperator)
	for i := 0; i < numUsers; i++ {
		userID := fmt.Sprintf("CLIENT_%d", i)
		authService.RegisterAPICredentials(userID, userID+"-secret")
	}

	inbox := notify.NewDatabase(db)
	orderService := orders.NewService(db, cal)
	settlementService := settlement.NewService(db)
	executor := settlement.NewExecutor(db, orderService.Store(), inbox)
	sched := scheduler.New(cal, orderService.Store(), executor, inbox)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	ordersH := orders.NewGinHandlers(orderService)
	settlementH := settlement.NewGinHandlers(settlementService)
	schedulerH := scheduler.NewGinHandlers(sched)

	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", auth.NewGinHandlers(authService).GenerateTokenHandler())

	user := v1.Group("", middleware.JWTAuth(authService))
	user.POST("/orders", ordersH.PlaceOrderHandler())
	user.GET("/orders", ordersH.ListOrdersHandler())
	user.GET("/portfolio", settlementH.GetPortfolioHandler())

	internal := v1.Group("/internal", middleware.InternalAuth(authService))
	internal.POST("/accounts/:user_id/deposit", settlementH.DepositHandler())
	internal.POST("/scheduler/sweep", schedulerH.SweepHandler())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	srv := &http.Server{Handler: router}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Simulation server stopped")
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		sched.Stop()
		os.RemoveAll(dir)
	}

	return "http://" + listener.Addr().String(), shutdown, nil
}
