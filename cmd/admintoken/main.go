// Package main выпускает токен оператора для операторского API.
//
// Токен подписывается тем же AUTH_SECRET, что и у сервиса. Право на запуск
// прогонов дополнительно требует записи идентификатора в таблице admins.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mmeshcher/giftcode-redeemer/internal/middleware"
	"github.com/mmeshcher/giftcode-redeemer/internal/validation"
)

func main() {
	secret := flag.String("s", os.Getenv("AUTH_SECRET"), "token signing secret")
	caller := flag.String("c", "", "caller id")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "secret is required: set AUTH_SECRET or pass -s")
		os.Exit(2)
	}
	if !validation.IsValidCallerID(*caller) {
		fmt.Fprintln(os.Stderr, "caller id is required: pass -c")
		os.Exit(2)
	}

	fmt.Println(middleware.NewAuthMiddleware(*secret).IssueToken(*caller))
}
