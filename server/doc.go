// Package server implements the exam proctoring control server.
//
// # Overview
//
// Students connect over a line-oriented control channel that borrows its
// shape from FTP: USER/PASS to log in, PASV to open a passive data port, LIST
// to see the question files, RETR to download one and STOR to hand in an
// answer. On top of that the server pushes out-of-band lines prefixed with
// "CMD:" to keep every student's exam clock in step with the proctor's.
//
// The server enforces three rules:
//   - An identity has at most one live session. A second login for the same
//     student is refused with "550 ZATEN_BAGLI" unless the first session is
//     dead, in which case it is evicted.
//   - No new logins once the exam clock runs ("550 SINAV_BASLADI_GIRIS_YASAK").
//   - No transfers unless the exam clock runs ("550 SINAV_BASLAMADI_...").
//
// # Getting Started
//
//	package main
//
//	import (
//	    "log"
//	    "github.com/gonzalop/examftp/server"
//	)
//
//	func main() {
//	    students, err := server.LoadStudentFile("students.txt", nil)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    answers, _ := server.NewAnswerStore("Cevaplar")
//	    questions, _ := server.NewQuestionDir("Sorular")
//
//	    s, err := server.NewServer(":2121",
//	        server.WithAuthenticator(students),
//	        server.WithSubmissionStore(answers),
//	        server.WithQuestionBank(questions),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    go func() {
//	        // Later, from the proctor's console:
//	        _ = s.StartExam(120)
//	    }()
//	    log.Fatal(s.ListenAndServe())
//	}
//
// # Transfers
//
// STOR and RETR reuse the data port opened by a preceding PASV. Without one
// they open a port themselves and announce it with a 227 reply before the
// 150. Either way the data port accepts exactly one connection. Once the
// client is connected the server writes "READY" (STOR) or "READY <size>"
// (RETR) on the control channel and the body moves over the data channel.
// An upload shorter than its announced size is answered with
// "550 Transfer yarim kaldi" and never stored.
//
// # Exam clock
//
// StartExam pushes "CMD:TIME_SECONDS:<n>" to every logged-in student, then
// "CMD:SYNC:<remaining>" every 30 seconds, and "CMD:TIME_UP" at zero, after
// which logins reopen. ExtendExam adds time and pushes a SYNC at once;
// UnlockEntries stops the clock without a TIME_UP.
//
// # Collaborators
//
// Credential checks, answer storage, the question bank and activity
// reporting are interfaces (Authenticator, SubmissionStore, QuestionBank,
// Observer). StudentFile, AnswerStore, QuestionDir and LogObserver are the
// filesystem implementations used by cmd/examd.
package server
