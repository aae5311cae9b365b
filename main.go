// Package main library lending API.
//
// @title           Library Lending API
// @version         1.0
// @description     library service (catalog, accounts, borrow/return).
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description  Use:  Bearer <JWT>
package main

import (
	"context"
	"log/slog"
	"os"

	"librarylend/app/echoServer"
	authctrl "librarylend/app/echoServer/controller/auth"
	bookctrl "librarylend/app/echoServer/controller/book"
	borrowctrl "librarylend/app/echoServer/controller/borrow"
	"librarylend/app/echoServer/validation"
	"librarylend/config"
	authrepo "librarylend/repository/auth"
	bookrepo "librarylend/repository/book"
	borrowrepo "librarylend/repository/borrowing"
	"librarylend/repository/inventory"
	authsvc "librarylend/service/auth"
	booksvc "librarylend/service/book"
	borrowsvc "librarylend/service/borrowing"
	"librarylend/util/cache"
	"librarylend/util/database"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echoSwagger "github.com/swaggo/echo-swagger"
)

func main() {

	cfg := config.Load()
	ctx := context.Background()

	// logger
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// DB
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// redis cache, optional
	bookCache := cache.New(cfg.RedisAddr)
	if err := bookCache.Ping(ctx); err != nil {
		log.Warn("redis unavailable, caching disabled", "err", err)
		bookCache = nil
	}

	// repos
	ar := authrepo.New(db)
	br := bookrepo.New(db)
	rr := borrowrepo.New(db)
	ledger := inventory.New()

	// services
	as := authsvc.New(ar, cfg.JWTSecret)
	bs := booksvc.New(br, ledger, bookCache)
	ws := borrowsvc.New(rr, ledger, bookCache, cfg.LoanDays)

	// controllers
	v := validator.New()
	authC := &authctrl.Controller{Svc: as, V: v, Log: log}
	bookC := &bookctrl.Controller{Svc: bs, V: v, Log: log}
	borrowC := &borrowctrl.Controller{Svc: ws, Log: log}

	// echo
	e := echo.New()
	echoServer.RegisterMiddlewares(e)
	e.Validator = validation.New()

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]any{
			"status":  "ok",
			"message": "Service is healthy and connected",
		})
	})

	e.GET("/swagger/*", echoSwagger.WrapHandler)

	echoServer.Register(e, echoServer.C{
		Auth:      authC,
		Book:      bookC,
		Borrow:    borrowC,
		JWTSecret: cfg.JWTSecret,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Port
	}

	log.Info("starting server", "port", port, "env", cfg.Env)

	e.Logger.Fatal(e.Start(":" + port))
}
