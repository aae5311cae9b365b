package echoServer

import (
	"net/http"

	"librarylend/app/echoServer/controller/auth"
	"librarylend/app/echoServer/controller/book"
	"librarylend/app/echoServer/controller/borrow"
	"librarylend/app/echoServer/jwtx"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

type C struct {
	Auth      *auth.Controller
	Book      *book.Controller
	Borrow    *borrow.Controller
	JWTSecret string
}

func Register(e *echo.Echo, c C) {
	// Public
	pub := e.Group("/v1")
	pub.POST("/users/register", c.Auth.Register)
	pub.POST("/users/login", c.Auth.Login)

	// Auth
	authed := e.Group("/v1")
	authed.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(c.JWTSecret),
		NewClaimsFunc: func(c echo.Context) jwt.Claims { return jwt.MapClaims{} },
		TokenLookup:   "header:Authorization",
	}))
	authed.Use(extractIdentity)

	// Books
	authed.GET("/books", c.Book.List)
	authed.GET("/books/search", c.Book.Search)
	authed.GET("/books/:id", c.Book.Detail)
	// Librarian endpoints
	authed.POST("/books", c.Book.Create)
	authed.PUT("/books/:id", c.Book.Update)
	authed.DELETE("/books/:id", c.Book.Delete)

	// Borrowing
	authed.POST("/borrow/:bookId", c.Borrow.Borrow)
	authed.POST("/borrow/return/:id", c.Borrow.Return)
	authed.GET("/borrow/my-books", c.Borrow.MyBooks)
	authed.GET("/borrow/history", c.Borrow.History)
	authed.GET("/borrow/overdue", c.Borrow.Overdue)
}

// extractIdentity copies the verified user id and role out of the JWT
// claims; handlers trust these values as already authenticated.
func extractIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		uid, err := jwtx.UserIDFromContext(ctx)
		if err != nil {
			return ctx.JSON(http.StatusUnauthorized, echo.Map{"message": "unauthorized"})
		}
		ctx.Set("user_id", uid)
		if role, err := jwtx.RoleFromContext(ctx); err == nil {
			ctx.Set("role", role)
		}
		return next(ctx)
	}
}
